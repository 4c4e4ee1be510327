package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arloliu/go-tio/link"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Status is a point in time report of the proxy.
type Status struct {
	State     string               `json:"state"`
	LinkState string               `json:"link_state"`
	Transport string               `json:"transport"`
	Uptime    string               `json:"uptime"`
	Clients   int                  `json:"clients"`
	Pending   int                  `json:"pending"`
	Link      link.MetricsSnapshot `json:"link"`
	Proxy     MetricsSnapshot      `json:"proxy"`
	Rate      *RateStatus          `json:"rate,omitempty"`
}

// Status reports the proxy state and counters.
func (p *Proxy) Status() Status {
	var uptime time.Duration
	if !p.startedAt.IsZero() {
		uptime = time.Since(p.startedAt).Truncate(time.Second)
	}

	return Status{
		State:     p.opState.String(),
		LinkState: p.link.State().String(),
		Transport: p.link.Transport(),
		Uptime:    uptime.String(),
		Clients:   len(p.registry.Clients()),
		Pending:   p.registry.PendingCount(),
		Link:      p.link.Metrics().Snapshot(),
		Proxy:     p.metrics.Snapshot(),
		Rate:      p.RateStatus(),
	}
}

// ClientInfos describes every attached client ordered by id.
func (p *Proxy) ClientInfos() []ClientInfo {
	ids := p.registry.Clients()
	infos := make([]ClientInfo, 0, len(ids))
	for _, id := range ids {
		sink, ok := p.registry.Sink(id)
		if !ok {
			continue
		}
		if s, ok := sink.(*ClientSession); ok {
			infos = append(infos, s.Info())
		}
	}

	return infos
}

// Handler returns the HTTP handler serving /ws, /status and /clients.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", p.handleWebSocket)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, p.Status())
		})
		r.Get("/clients", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, p.ClientInfos())
		})
	})

	return r
}

func (p *Proxy) serveHTTP() error {
	if p.cfg.httpAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", p.cfg.httpAddress)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", p.cfg.httpAddress, err)
	}

	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.listenerMu.Lock()
	if p.closed.Load() {
		p.listenerMu.Unlock()
		_ = ln.Close()

		return ErrProxyClosed
	}
	p.httpServer = srv
	p.httpAddr = ln.Addr()
	p.listenerMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("http server failed", "error", err)
		}
	}()

	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
