package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// isWebSocketRequest reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// forwardWebSocket accepts the client upgrade, dials the service's endpoint,
// and pumps frames both ways until either side closes.
func (rt *Router) forwardWebSocket(w http.ResponseWriter, r *http.Request, reg *Registration, upstreamPath string) {
	target := fmt.Sprintf("ws://%s:%d%s", rt.cfg.Proxy.UpstreamHost, reg.ExternalPort, upstreamPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		rt.logger.Warn("websocket accept failed",
			zap.String("container_id", reg.ShortID),
			zap.Error(err))
		return
	}
	defer client.Close(websocket.StatusInternalError, "tunnel closed")

	ctx := r.Context()
	upstream, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		rt.logger.Warn("websocket dial failed",
			zap.String("container_id", reg.ShortID),
			zap.String("target", target),
			zap.Error(err))
		client.Close(websocket.StatusBadGateway, "service is not responding")
		return
	}
	defer upstream.Close(websocket.StatusInternalError, "tunnel closed")

	// Frames can be large for chart-heavy apps.
	client.SetReadLimit(-1)
	upstream.SetReadLimit(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- pump(ctx, upstream, client) }()
	go func() { errc <- pump(ctx, client, upstream) }()

	// First closed direction tears the tunnel down; the deferred closes
	// unblock the other pump.
	err = <-errc
	cancel()

	if status := websocket.CloseStatus(err); status != -1 {
		client.Close(status, "")
		upstream.Close(status, "")
		return
	}
	rt.logger.Debug("websocket tunnel closed",
		zap.String("container_id", reg.ShortID),
		zap.Error(err))
}

// pump copies frames from src to dst until src closes or ctx is done.
func pump(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
