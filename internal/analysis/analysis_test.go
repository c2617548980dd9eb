package analysis

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoye20230624/ZB/internal/database"
	"github.com/luoye20230624/ZB/internal/model"
)

func seedDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "hosts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now()
	host := func(ip string, port int, source string) model.ValidatedHost {
		return model.ValidatedHost{Candidate: model.Candidate{Host: ip, Port: port, Source: source}, ValidatedAt: now}
	}
	require.NoError(t, db.SaveValidated("广东", "电信", []model.ValidatedHost{
		host("10.1.1.1", 4022, "quake"),
		host("10.1.1.1", 8888, "fofa"),
		host("10.1.1.2", 4022, "quake"),
	}))
	require.NoError(t, db.SaveValidated("广东", "电信", []model.ValidatedHost{host("10.1.1.1", 4022, "quake")}))
	require.NoError(t, db.SaveValidated("湖南", "电信", []model.ValidatedHost{host("10.1.1.3", 4022, "hunter")}))
	return db
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, utf8BOM))
	rows, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSegmentAnalysis(t *testing.T) {
	db := seedDB(t)

	infos, err := CSegmentAnalysis(db, 2)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "10.1.1.0/24", infos[0].CIDR)
	assert.Equal(t, 3, infos[0].Hosts)
	assert.Equal(t, []string{"广东电信", "湖南电信"}, infos[0].Regions)
	assert.True(t, infos[0].IsMixed)

	out := filepath.Join(t.TempDir(), "segments.csv")
	require.NoError(t, ExportCSegments(infos, out))
	rows := readCSV(t, out)
	require.Len(t, rows, 2)
	assert.Equal(t, "10.1.1.0/24", rows[1][0])
	assert.Equal(t, "广东电信;湖南电信", rows[1][2])
}

func TestAnalyzeIPServiceCount(t *testing.T) {
	db := seedDB(t)

	results, err := AnalyzeIPServiceCount(db, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "10.1.1.1", results[0].IP)
	assert.Equal(t, []string{"4022", "8888"}, results[0].Ports)
	assert.Equal(t, 3, results[0].Hits)
	assert.ElementsMatch(t, []string{"quake", "fofa"}, results[0].Sources)

	out := filepath.Join(t.TempDir(), "ips.csv")
	require.NoError(t, ExportIPAnalysisResults(results, out))
	rows := readCSV(t, out)
	require.Len(t, rows, 2)
	assert.Equal(t, "3", rows[1][4])
}
