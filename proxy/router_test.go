package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/detect"
)

func testRouter(t *testing.T, registry *Registry) *Router {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{PublicBaseURL: "http://localhost:8080"},
		Proxy: config.ProxyConfig{
			UpstreamHost:        "127.0.0.1",
			RetryInitialMs:      10,
			RetryMaxElapsedSec:  1,
			UpstreamTimeoutSec:  5,
			MaxRequestBodyBytes: 1 << 20,
		},
	}
	return NewRouter(registry, cfg, nil, zaptest.NewLogger(t))
}

// upstreamPort extracts the host port of an httptest server.
func upstreamPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestForwardStripsPrefix(t *testing.T) {
	var gotPath, gotQuery, gotForwardedFor string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		fmt.Fprint(w, "hello from upstream")
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFlask, upstreamPort(t, upstream)))
	router := testRouter(t, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/aaaaaaaa/api/items?page=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from upstream", rec.Body.String())
	assert.Equal(t, "/api/items", gotPath)
	assert.Equal(t, "page=2", gotQuery)
	assert.NotEmpty(t, gotForwardedFor)
}

func TestForwardRootPath(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFlask, upstreamPort(t, upstream)))
	router := testRouter(t, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/aaaaaaaa", nil))
	assert.Equal(t, "/", gotPath)
}

func TestForwardPostBody(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFastAPI, upstreamPort(t, upstream)))
	router := testRouter(t, registry)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/proxy/aaaaaaaa/submit", strings.NewReader(`{"x":1}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"x":1}`, string(gotBody))
}

func TestUnknownShortIDIs404(t *testing.T) {
	router := testRouter(t, NewRegistry())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/aaaaaaaa/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/not-a-valid-id/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	// Grab a port with nothing listening on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFlask, port))
	router := testRouter(t, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/aaaaaaaa/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload["error"], "not responding")
}

func TestRetryWaitsForLateUpstream(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFlask, port))
	router := testRouter(t, registry)

	// Bind the upstream shortly after the first attempt has failed.
	go func() {
		time.Sleep(50 * time.Millisecond)
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "late but alive")
		})
		lateListener, lerr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if lerr != nil {
			return
		}
		srv := &http.Server{Handler: mux}
		go srv.Serve(lateListener)
	}()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/aaaaaaaa/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "late but alive", rec.Body.String())
}

func TestListing(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Registration{
		ShortID:       "aaaaaaaa",
		ContainerName: "runbox-abc",
		ServiceType:   detect.TypeStreamlit,
		InternalPort:  8501,
		ExternalPort:  9123,
	})
	router := testRouter(t, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Services []struct {
			ContainerID   string `json:"container_id"`
			ContainerName string `json:"container_name"`
			ServiceType   string `json:"service_type"`
			InternalPort  int    `json:"internal_port"`
			ExternalPort  int    `json:"external_port"`
			ProxyURL      string `json:"proxy_url"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Services, 1)
	svc := payload.Services[0]
	assert.Equal(t, "aaaaaaaa", svc.ContainerID)
	assert.Equal(t, "runbox-abc", svc.ContainerName)
	assert.Equal(t, "streamlit", svc.ServiceType)
	assert.Equal(t, 8501, svc.InternalPort)
	assert.Equal(t, 9123, svc.ExternalPort)
	assert.Equal(t, "http://localhost:8080/proxy/aaaaaaaa", svc.ProxyURL)
}

func TestAssetFallback(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeStreamlit, upstreamPort(t, upstream)))
	router := testRouter(t, registry)

	for _, path := range []string{
		"/static/js/main.js",
		"/_stcore/health",
		"/favicon.ico",
		"/manifest.json",
		"/_dash-component-suites/dash/dash.js",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, path, gotPath)
	}

	// Non-asset paths outside /proxy are not forwarded.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/execute", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsAssetPath(t *testing.T) {
	assert.True(t, isAssetPath("/static/css/app.css"))
	assert.True(t, isAssetPath("/_stcore/stream"))
	assert.True(t, isAssetPath("/_dash-layout"))
	assert.False(t, isAssetPath("/api/items"))
	assert.False(t, isAssetPath("/"))
}

func TestWebSocketTunnel(t *testing.T) {
	// Echo upstream.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			typ, data, rerr := conn.Read(r.Context())
			if rerr != nil {
				return
			}
			if werr := conn.Write(r.Context(), typ, data); werr != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeStreamlit, upstreamPort(t, upstream)))
	router := testRouter(t, registry)

	front := httptest.NewServer(router)
	defer front.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/proxy/aaaaaaaa/_stcore/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping through tunnel")))
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "ping through tunnel", string(data))
}

func TestCopyHeadersDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Connection", "keep-alive, X-Custom")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Custom", "value")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Keep-Alive"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Empty(t, dst.Get("X-Custom"))
}

func TestBodyLimit(t *testing.T) {
	registry := NewRegistry()
	registry.Register(reg("aaaaaaaa", detect.TypeFlask, 1))
	router := testRouter(t, registry)
	router.cfg.Proxy.MaxRequestBodyBytes = 8

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/proxy/aaaaaaaa/upload", strings.NewReader("way past the limit"))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
