package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsValidAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"239.1.1.1:5000", true},
		{"0.0.0.0:1", true},
		{"255.255.255.255:65535", true},
		{"256.1.1.1:5000", false},
		{"239.1.1:5000", false},
		{"239.1.1.1:0", false},
		{"239.1.1.1:70000", false},
		{"239.1.1.1", false},
		{"239.01a.1.1:5000", false},
		{"239.1.1.1.1:5000", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidAddr(tt.addr), tt.addr)
	}
}

func TestFindRTPAddr(t *testing.T) {
	assert.Equal(t, "239.1.1.1:5000", FindRTPAddr("CCTV1,rtp://239.1.1.1:5000\n"))
	assert.Equal(t, "239.1.1.2:5000", FindRTPAddr("a,rtp://999.1.1.1:5000\nb,rtp://239.1.1.2:5000"))
	assert.Equal(t, "", FindRTPAddr("CCTV1,http://example.com/live"))
}

func TestIsPublicHost(t *testing.T) {
	assert.True(t, IsPublicHost("1.2.3.4"))
	assert.False(t, IsPublicHost("192.168.1.1"))
	assert.False(t, IsPublicHost("127.0.0.1"))
	assert.False(t, IsPublicHost("example.com"))
}

func TestSplitRegionFileName(t *testing.T) {
	region, isp, ok := SplitRegionFileName("rtp/广东_电信.txt")
	assert.True(t, ok)
	assert.Equal(t, "广东", region)
	assert.Equal(t, "电信", isp)

	_, _, ok = SplitRegionFileName("广东_电信_备用.txt")
	assert.False(t, ok)
	_, _, ok = SplitRegionFileName("广东电信.txt")
	assert.False(t, ok)
	_, _, ok = SplitRegionFileName("广东_电信.m3u")
	assert.False(t, ok)
}

func TestTaskID(t *testing.T) {
	id := taskIDAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	assert.Len(t, id, len("20240501_")+8)
	assert.Equal(t, "20240501", id[:8])
	assert.Equal(t, "广东电信.txt", FragmentFileName("广东", "电信"))
	assert.Equal(t, "广东_电信.txt", RegionFileName("广东", "电信"))
}
