package proxy

import (
	"net/http"
	"time"

	"github.com/arloliu/go-tio/internal/wsconn"
	"github.com/arloliu/go-tio/tio"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// clients are local tools, not browsers bound to an origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket attaches a WebSocket client. The optional query parameters scope and
// rpc_timeout, e.g. /ws?scope=/1/2&rpc_timeout=500ms, become client options.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts, err := wsClientOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(wsconn.ReadLimit)

	if _, err := p.Attach(wsconn.New(ws), "websocket", opts...); err != nil {
		p.logger.Warn("attach websocket client failed", "remote_addr", r.RemoteAddr, "error", err)
	}
}

func wsClientOptions(r *http.Request) ([]ClientOption, error) {
	var opts []ClientOption
	q := r.URL.Query()

	if v := q.Get("scope"); v != "" {
		scope, err := tio.ParseRoute(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithClientScope(scope))
	}

	if v := q.Get("rpc_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		if err := validClientRPCTimeout(d); err != nil {
			return nil, err
		}
		opts = append(opts, WithClientRPCTimeout(d))
	}

	return opts, nil
}
