package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/dissect/internal/config"
)

const defaultPath = "/metrics"

// Exporter serves the collectors while a capture is being read, so a
// long file run can be scraped.
type Exporter struct {
	cfg  config.MetricsConfig
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func NewExporter(cfg config.MetricsConfig) *Exporter {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	return &Exporter{cfg: cfg}
}

// Handler serves the default gatherer on the configured path only.
func (x *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(x.cfg.Path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	return mux
}

// Listen binds synchronously and serves until Shutdown or until ctx ends.
func (x *Exporter) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", x.cfg.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %q: %w", x.cfg.Listen, err)
	}
	x.ln = ln
	x.done = make(chan struct{})
	x.srv = &http.Server{
		Handler:           x.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("metrics exporter listening", "addr", ln.Addr().String(), "path", x.cfg.Path)

	go func() {
		defer close(x.done)
		if err := x.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics exporter failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once listening.
func (x *Exporter) Addr() string {
	if x.ln == nil {
		return x.cfg.Listen
	}
	return x.ln.Addr().String()
}

// Shutdown drains in-flight scrapes and waits for the serve loop.
func (x *Exporter) Shutdown(ctx context.Context) error {
	if x.srv == nil {
		return nil
	}
	if err := x.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	select {
	case <-x.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
