package probe

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24

	nalTypeSPS     = 7
	hevcNalTypeSPS = 33

	// 等待 SPS 时最多缓存的视频 ES 数据
	maxESBuffer = 256 * 1024
)

// tsDemuxer 增量解析 MPEG-TS：PAT → PMT → 视频 PID，
// 视频 PID 上每个 PES 起始计为一帧，并从 SPS 中解析分辨率
type tsDemuxer struct {
	pending   []byte
	pmtPID    int
	videoPID  int
	videoType int
	es        []byte
	frames    int
	width     int
	height    int
	fps       float64
}

func newTSDemuxer() *tsDemuxer {
	return &tsDemuxer{pmtPID: -1, videoPID: -1}
}

// feed 写入任意长度的数据，返回新增帧数
func (d *tsDemuxer) feed(data []byte) int {
	d.pending = append(d.pending, data...)
	before := d.frames

	for {
		if len(d.pending) < tsPacketSize {
			break
		}
		if d.pending[0] != tsSyncByte {
			idx := bytes.IndexByte(d.pending, tsSyncByte)
			if idx < 0 {
				d.pending = d.pending[:0]
				break
			}
			d.pending = d.pending[idx:]
			continue
		}
		d.packet(d.pending[:tsPacketSize])
		d.pending = d.pending[tsPacketSize:]
	}

	// 避免底层数组无限增长
	if cap(d.pending) > 4*tsPacketSize && len(d.pending) < tsPacketSize {
		d.pending = append([]byte(nil), d.pending...)
	}

	return d.frames - before
}

func (d *tsDemuxer) hasVideo() bool {
	return d.videoPID >= 0
}

func (d *tsDemuxer) dimensions() (int, int) {
	return d.width, d.height
}

func (d *tsDemuxer) packet(pkt []byte) {
	payloadStart := pkt[1]&0x40 != 0
	pid := (int(pkt[1]&0x1F) << 8) | int(pkt[2])
	hasPayload := pkt[3]&0x10 != 0
	hasAdaptation := pkt[3]&0x20 != 0

	if !hasPayload {
		return
	}

	payloadOffset := 4
	if hasAdaptation {
		payloadOffset = 5 + int(pkt[4])
		if payloadOffset >= tsPacketSize {
			return
		}
	}
	payload := pkt[payloadOffset:]

	switch {
	case pid == 0 && payloadStart && d.pmtPID < 0:
		d.parsePAT(payload)
	case pid == d.pmtPID && payloadStart && d.videoPID < 0:
		d.parsePMT(payload)
	case pid == d.videoPID:
		d.videoPayload(payload, payloadStart)
	}
}

// psiTable 跳过 pointer_field 返回表数据
func psiTable(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	start := 1 + int(payload[0])
	if start >= len(payload) {
		return nil
	}
	return payload[start:]
}

func (d *tsDemuxer) parsePAT(payload []byte) {
	table := psiTable(payload)
	if len(table) < 8 || table[0] != 0x00 {
		return
	}
	sectionLength := (int(table[1]&0x0F) << 8) | int(table[2])
	end := 3 + sectionLength - 4
	if end > len(table) {
		end = len(table)
	}
	for i := 8; i+4 <= end; i += 4 {
		programNumber := (int(table[i]) << 8) | int(table[i+1])
		if programNumber == 0 {
			continue // network PID
		}
		d.pmtPID = (int(table[i+2]&0x1F) << 8) | int(table[i+3])
		return
	}
}

func (d *tsDemuxer) parsePMT(payload []byte) {
	table := psiTable(payload)
	if len(table) < 12 || table[0] != 0x02 {
		return
	}
	sectionLength := (int(table[1]&0x0F) << 8) | int(table[2])
	progInfoLen := (int(table[10]&0x0F) << 8) | int(table[11])
	offset := 12 + progInfoLen
	end := 3 + sectionLength - 4
	if end > len(table) {
		end = len(table)
	}

	for offset+5 <= end {
		sType := int(table[offset])
		sPID := (int(table[offset+1]&0x1F) << 8) | int(table[offset+2])
		esInfoLen := (int(table[offset+3]&0x0F) << 8) | int(table[offset+4])

		switch sType {
		case streamTypeH264, streamTypeH265, streamTypeMPEG1Video, streamTypeMPEG2Video:
			d.videoPID = sPID
			d.videoType = sType
			return
		}
		offset += 5 + esInfoLen
	}
}

func (d *tsDemuxer) videoPayload(payload []byte, payloadStart bool) {
	if payloadStart {
		if len(payload) < 9 || payload[0] != 0 || payload[1] != 0 || payload[2] != 1 {
			return
		}
		d.frames++
		pesPayloadStart := 9 + int(payload[8])
		if pesPayloadStart >= len(payload) {
			return
		}
		payload = payload[pesPayloadStart:]
	}

	if d.width > 0 || (d.videoType != streamTypeH264 && d.videoType != streamTypeH265) {
		return
	}
	if len(d.es)+len(payload) > maxESBuffer {
		d.es = d.es[:0]
	}
	d.es = append(d.es, payload...)
	d.parseSPS()
}

func (d *tsDemuxer) parseSPS() {
	for _, nal := range extractNALUnits(d.es) {
		switch d.videoType {
		case streamTypeH264:
			if len(nal) == 0 || nal[0]&0x1F != nalTypeSPS {
				continue
			}
			var sps h264.SPS
			if err := sps.Unmarshal(nal); err != nil {
				continue
			}
			d.setDimensions(sps.Width(), sps.Height(), sps.FPS())
		case streamTypeH265:
			if len(nal) < 2 || (nal[0]>>1)&0x3F != hevcNalTypeSPS {
				continue
			}
			var sps h265.SPS
			if err := sps.Unmarshal(nal); err != nil {
				continue
			}
			d.setDimensions(sps.Width(), sps.Height(), sps.FPS())
		}
		if d.width > 0 {
			d.es = nil
			return
		}
	}
}

func (d *tsDemuxer) setDimensions(w, h int, fps float64) {
	if w <= 0 || h <= 0 {
		return
	}
	d.width, d.height = w, h
	if fps > 0 && fps < 300 {
		d.fps = fps
	}
}

// extractNALUnits 按 00 00 01 起始码切分 Annex B 字节流，最后一个 NAL 可能不完整
func extractNALUnits(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	for i := 0; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if start >= 0 {
			nals = append(nals, bytes.TrimRight(data[start:i], "\x00"))
		}
		start = i + 3
		i += 2
	}
	if start >= 0 && start < len(data) {
		nals = append(nals, data[start:])
	}
	return nals
}
