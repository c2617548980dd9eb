package query

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoye20230624/ZB/internal/model"
)

func testOptions() Options {
	return Options{
		PageSize:     2,
		MaxPages:     10,
		PageInterval: 0,
		Attempts:     3,
		Backoff:      0,
		Client:       &http.Client{Timeout: 5 * time.Second},
	}
}

type quakeItem struct {
	IP   string
	Port int
}

func quakePage(total int, items ...quakeItem) string {
	data := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		data = append(data, map[string]interface{}{
			"service": map[string]interface{}{"ip": it.IP, "port": it.Port},
		})
	}
	body, _ := json.Marshal(map[string]interface{}{
		"code":    0,
		"message": "Successful.",
		"data":    data,
		"meta":    map[string]interface{}{"pagination": map[string]interface{}{"total": total}},
	})
	return string(body)
}

func decodeStart(t *testing.T, r *http.Request) int {
	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	return int(payload["start"].(float64))
}

func TestQuakeDedupAcrossPages(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "key", r.Header.Get("X-QuakeToken"))
		switch decodeStart(t, r) {
		case 0:
			fmt.Fprint(w, quakePage(6, quakeItem{"1.1.1.1", 8000}, quakeItem{"2.2.2.2", 8000}))
		case 2:
			fmt.Fprint(w, quakePage(6, quakeItem{"2.2.2.2", 8000}, quakeItem{"3.3.3.3", 4022}))
		default:
			fmt.Fprint(w, quakePage(6, quakeItem{"1.1.1.1", 8000}, quakeItem{"3.3.3.3", 4023}))
		}
	}))
	defer srv.Close()

	s := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL)
	cands, err := s.Search(context.Background(), "广东", "电信")
	require.NoError(t, err)

	addrs := make([]string, 0, len(cands))
	for _, c := range cands {
		addrs = append(addrs, c.Addr())
	}
	assert.Equal(t, []string{"1.1.1.1:8000", "2.2.2.2:8000", "3.3.3.3:4022", "3.3.3.3:4023"}, addrs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "quake", cands[0].Source)
	assert.Equal(t, 2, cands[2].Page)
}

func TestQuakeStopsWhenPageHasNothingNew(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, quakePage(100, quakeItem{"1.1.1.1", 8000}, quakeItem{"2.2.2.2", 8000}))
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Len(t, cands, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQuakeNonZeroCodeReturnsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if decodeStart(t, r) == 0 {
			fmt.Fprint(w, quakePage(10, quakeItem{"1.1.1.1", 8000}, quakeItem{"2.2.2.2", 8000}))
			return
		}
		fmt.Fprint(w, `{"code":"q3005","message":"积分不足","data":[]}`)
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestQuakeNonZeroCodeOnFirstPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":1,"message":"query syntax error","data":[]}`)
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestQuakeRetryExhaustedReturnsPartial(t *testing.T) {
	var failures int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if decodeStart(t, r) == 0 {
			fmt.Fprint(w, quakePage(10, quakeItem{"1.1.1.1", 8000}))
			return
		}
		atomic.AddInt32(&failures, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&failures))
}

func TestQuakeUnavailableOnFirstPage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsAuthError(err))
	assert.Empty(t, cands)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQuakeDecodeErrorIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"code":0,"data":[`)
			return
		}
		fmt.Fprint(w, quakePage(1, quakeItem{"1.1.1.1", 8000}))
	}))
	defer srv.Close()

	cands, err := NewQuakeSearcher("key", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQuakeAuthError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewQuakeSearcher("bad", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQuakeTokenMessageIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"u3004","message":"token is invalid"}`)
	}))
	defer srv.Close()

	_, err := NewQuakeSearcher("bad", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "quake", authErr.Platform)
}

func TestQuakeQuerySyntax(t *testing.T) {
	assert.Equal(t, `service:"Rozhuk" AND country:"CN" AND region:"广东" AND org:"Chinanet"`, buildQuakeQuery("广东", "电信"))
	assert.Equal(t, `service:"Rozhuk" AND country:"CN" AND region:"北京" AND org:"China Unicom Beijing Province Network"`, buildQuakeQuery("北京", "联通"))
}

func TestConvertQuakeItemTopLevel(t *testing.T) {
	c, ok := convertQuakeItemToCandidate(1, map[string]interface{}{"ip": "8.8.8.8", "port": float64(4022)})
	require.True(t, ok)
	assert.Equal(t, "8.8.8.8:4022", c.Addr())

	_, ok = convertQuakeItemToCandidate(1, map[string]interface{}{"ip": "not-an-ip", "port": float64(4022)})
	assert.False(t, ok)
}

func TestFofaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("qbase64"))
		require.NoError(t, err)
		assert.Contains(t, string(q), `region="湖南"`)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"error":false,"size":3,"results":[["1.1.1.1","8000"],["2.2.2.2","8001"]]}`)
		default:
			fmt.Fprint(w, `{"error":false,"size":3,"results":[["3.3.3.3","8002"]]}`)
		}
	}))
	defer srv.Close()

	cands, err := NewFofaSearcher("k", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "湖南", "电信")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "3.3.3.3:8002", cands[2].Addr())
}

func TestFofaErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":true,"errmsg":"[820031] F点余额不足"}`)
	}))
	defer srv.Close()

	cands, err := NewFofaSearcher("k", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "湖南", "电信")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestHunterSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, err := base64.URLEncoding.DecodeString(r.URL.Query().Get("search"))
		require.NoError(t, err)
		assert.Contains(t, string(q), `ip.province="河南"`)
		fmt.Fprint(w, `{"code":200,"message":"success","data":{"total":2,"arr":[{"ip":"1.1.1.1","port":8000},{"ip":"2.2.2.2","port":8000}]}}`)
	}))
	defer srv.Close()

	cands, err := NewHunterSearcher("k", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "河南", "联通")
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestHunterAuthCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":401,"message":"令牌无效"}`)
	}))
	defer srv.Close()

	_, err := NewHunterSearcher("k", testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "河南", "联通")
	assert.True(t, IsAuthError(err))
}

func TestFofaWebScrape(t *testing.T) {
	html := `<html><body>
<a href="http://1.2.3.4:8888" target="_blank">1.2.3.4:8888</a>
<a href="http://1.2.3.4:8888">dup</a>
<span class="hsxa-host">http://5.6.7.8:4022</span>
<a href="http://999.2.3.4:80">bad</a>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("qbase64"))
		fmt.Fprint(w, html)
	}))
	defer srv.Close()

	cands, err := NewFofaWebSearcher(testOptions()).WithEndpoint(srv.URL).Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	addrs := make([]string, 0, len(cands))
	for _, c := range cands {
		addrs = append(addrs, c.Addr())
	}
	assert.Equal(t, []string{"1.2.3.4:8888", "5.6.7.8:4022"}, addrs)
}

type stubSearcher struct {
	name  string
	cands []model.Candidate
	err   error
	calls int
}

func (s *stubSearcher) Name() string { return s.name }

func (s *stubSearcher) Search(ctx context.Context, region, isp string) ([]model.Candidate, error) {
	s.calls++
	return s.cands, s.err
}

func TestMultiDedupAndAuthAbort(t *testing.T) {
	a := &stubSearcher{name: "a", cands: []model.Candidate{{Host: "1.1.1.1", Port: 1}, {Host: "2.2.2.2", Port: 2}}}
	b := &stubSearcher{name: "b", cands: []model.Candidate{{Host: "2.2.2.2", Port: 2}, {Host: "3.3.3.3", Port: 3}}}

	m := NewMulti(a, b)
	assert.Equal(t, "a+b", m.Name())
	cands, err := m.Search(context.Background(), "广东", "电信")
	require.NoError(t, err)
	assert.Len(t, cands, 3)

	auth := &stubSearcher{name: "auth", err: &AuthError{Platform: "auth", Message: "bad key"}}
	c := &stubSearcher{name: "c"}
	_, err = NewMulti(auth, c).Search(context.Background(), "广东", "电信")
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 0, c.calls)
}

func TestMultiKeepsGoingOnOtherErrors(t *testing.T) {
	failing := &stubSearcher{name: "x", err: errors.New("boom")}
	ok := &stubSearcher{name: "y", cands: []model.Candidate{{Host: "1.1.1.1", Port: 1}}}

	cands, err := NewMulti(failing, ok).Search(context.Background(), "广东", "电信")
	assert.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.Len(t, cands, 1)
	assert.Equal(t, 1, ok.calls)
}

func TestMultiUnavailableOnlyWhenAllPlatformsDown(t *testing.T) {
	down := &stubSearcher{name: "fofaweb", err: &TransportError{Platform: "fofaweb", Err: errors.New("HTTP 502")}}
	empty := &stubSearcher{name: "quake"}

	cands, err := NewMulti(empty, down).Search(context.Background(), "广东", "电信")
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "fofaweb")
	assert.Empty(t, cands)

	other := &stubSearcher{name: "hunter", err: &TransportError{Platform: "hunter", Err: errors.New("timeout")}}
	_, err = NewMulti(down, other).Search(context.Background(), "广东", "电信")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestNewUnknownPlatform(t *testing.T) {
	_, err := New("shodan", "", testOptions())
	assert.Error(t, err)

	s, err := New("FOFAWEB", "", testOptions())
	require.NoError(t, err)
	assert.Equal(t, "fofaweb", s.Name())
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.True(t, IsAuthError(classifyHTTPStatus("p", http.StatusForbidden, nil)))
	assert.True(t, isRetryableError(classifyHTTPStatus("p", http.StatusTooManyRequests, nil)))
	assert.True(t, isRetryableError(classifyHTTPStatus("p", http.StatusBadRequest, []byte("请求过于频繁，请稍后再试"))))

	var apiErr *APIError
	assert.True(t, errors.As(classifyHTTPStatus("p", http.StatusBadRequest, []byte(strings.Repeat("x", 500))), &apiErr))
	assert.Len(t, apiErr.Message, 200)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryWithBackoff(ctx, "p", "t", 3, time.Hour, func() (int, error) {
		calls++
		cancel()
		return 0, &TransportError{Platform: "p", Err: errors.New("reset")}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
