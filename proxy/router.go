package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
)

// shortIDPattern is the routing form of a container id.
var shortIDPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// assetPrefixes are path roots that framework frontends request without the
// proxy prefix.
var assetPrefixes = []string{"static", "_stcore", "favicon.ico", "manifest.json"}

// Router forwards /proxy/{shortId}/... traffic to registered services. It
// also answers the service listing and the bare asset fallback.
type Router struct {
	registry *Registry
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	client   *http.Client

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		client: &http.Client{
			Timeout: time.Duration(cfg.Proxy.UpstreamTimeoutSec) * time.Second,
			// Upstream redirects must reach the browser untouched so its
			// address bar stays inside the proxy prefix.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retryInitial:    time.Duration(cfg.Proxy.RetryInitialMs) * time.Millisecond,
		retryMaxElapsed: time.Duration(cfg.Proxy.RetryMaxElapsedSec) * time.Second,
	}
}

// ServeHTTP dispatches proxy traffic. Paths outside /proxy are only served
// when they look like framework asset requests and a fallback target exists.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/proxy" || path == "/proxy/":
		rt.serveListing(w, r)
	case strings.HasPrefix(path, "/proxy/"):
		rt.serveProxied(w, r)
	default:
		rt.serveAssetFallback(w, r)
	}
}

// serveListing answers GET /proxy with all hosted services.
func (rt *Router) serveListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type entry struct {
		ContainerID   string `json:"container_id"`
		ContainerName string `json:"container_name"`
		ServiceType   string `json:"service_type"`
		InternalPort  int    `json:"internal_port"`
		ExternalPort  int    `json:"external_port"`
		ProxyURL      string `json:"proxy_url"`
	}

	regs := rt.registry.List()
	services := make([]entry, 0, len(regs))
	for _, reg := range regs {
		services = append(services, entry{
			ContainerID:   reg.ShortID,
			ContainerName: reg.ContainerName,
			ServiceType:   string(reg.ServiceType),
			InternalPort:  reg.InternalPort,
			ExternalPort:  reg.ExternalPort,
			ProxyURL:      rt.ProxyURL(reg.ShortID),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"services": services})
}

// ProxyURL renders the public URL for a hosted service.
func (rt *Router) ProxyURL(shortID string) string {
	return ServiceURL(rt.cfg.Server.PublicBaseURL, shortID)
}

// ServiceURL renders the public URL for a hosted service under a base URL.
func ServiceURL(baseURL, shortID string) string {
	return fmt.Sprintf("%s/proxy/%s", strings.TrimSuffix(baseURL, "/"), shortID)
}

// serveProxied resolves the short id and forwards the request with the
// /proxy/{shortId} prefix stripped.
func (rt *Router) serveProxied(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/proxy/")
	shortID, upstreamPath, _ := strings.Cut(rest, "/")

	if !shortIDPattern.MatchString(shortID) {
		writeJSONError(w, http.StatusNotFound, "invalid container id")
		return
	}
	reg := rt.registry.Lookup(shortID)
	if reg == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no service registered for container %s", shortID))
		return
	}

	rt.forward(w, r, reg, "/"+upstreamPath)
}

// serveAssetFallback routes unprefixed asset requests to the most suitable
// hosted service.
func (rt *Router) serveAssetFallback(w http.ResponseWriter, r *http.Request) {
	if !isAssetPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	reg := rt.registry.AssetTarget()
	if reg == nil {
		http.NotFound(w, r)
		return
	}
	rt.forward(w, r, reg, r.URL.Path)
}

// isAssetPath reports whether the path looks like a framework asset request.
func isAssetPath(path string) bool {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if strings.HasPrefix(first, "_dash-") {
		return true
	}
	for _, p := range assetPrefixes {
		if first == p {
			return true
		}
	}
	return false
}

// forward relays one request to the service's leased host port. WebSocket
// upgrades take the tunnel path; plain HTTP is retried with exponential
// backoff while the service is still binding its port, then streamed back.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, reg *Registration, upstreamPath string) {
	if isWebSocketRequest(r) {
		rt.forwardWebSocket(w, r, reg, upstreamPath)
		return
	}

	body, err := rt.readBody(r)
	if err != nil {
		rt.record(reg, http.StatusRequestEntityTooLarge)
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	target := fmt.Sprintf("http://%s:%d%s", rt.cfg.Proxy.UpstreamHost, reg.ExternalPort, upstreamPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	resp, err := rt.doWithRetry(r, target, body)
	if err != nil {
		rt.logger.Warn("upstream unreachable",
			zap.String("container_id", reg.ShortID),
			zap.String("target", target),
			zap.Error(err))
		rt.record(reg, http.StatusBadGateway)
		writeJSONError(w, http.StatusBadGateway, "service is not responding")
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rt.record(reg, resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// readBody buffers the request body so retries can replay it.
func (rt *Router) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	limit := rt.cfg.Proxy.MaxRequestBodyBytes
	if limit <= 0 {
		return io.ReadAll(r.Body)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return body, nil
}

// doWithRetry issues the upstream request, retrying connection failures.
// Services need a moment between the start command and the port binding, so
// a refused connection is expected right after registration. Responses of
// any status are returned as-is; only transport errors retry.
func (rt *Router) doWithRetry(r *http.Request, target string, body []byte) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		copyHeaders(req.Header, r.Header)
		req.Header.Set("X-Forwarded-For", clientIP(r))
		req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
		req.Header.Set("X-Forwarded-Host", r.Host)

		resp, err = rt.client.Do(req)
		if err == nil {
			return nil
		}
		if isConnectionError(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rt.retryInitial
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = rt.retryMaxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(bo, r.Context())); err != nil {
		return nil, err
	}
	return resp, nil
}

// isConnectionError reports whether the request failed before reaching the
// service, which is retriable, as opposed to failing in-flight.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// hopByHopHeaders never cross a proxy boundary.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and anything
// the Connection header names.
func copyHeaders(dst, src http.Header) {
	dropped := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	for name, values := range src {
		if dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (rt *Router) record(reg *Registration, status int) {
	if rt.metrics != nil {
		rt.metrics.RecordProxyRequest(string(reg.ServiceType), status)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
