package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stake-plus/member-proposals/src/actions/core"
	"github.com/stake-plus/member-proposals/src/logging"
)

// Deps are the collaborators exposed over HTTP. Nil members disable their routes.
type Deps struct {
	Proposals    ProposalReader
	Ready        func() bool
	Ping         func(ctx context.Context) error
	Gatherer     prometheus.Gatherer
	AllowOrigins []string
	// RequestsPerMinute limits /v1 per client IP; zero means 120.
	RequestsPerMinute int
}

func (d Deps) rateLimit() int {
	if d.RequestsPerMinute > 0 {
		return d.RequestsPerMinute
	}
	return 120
}

func New(deps Deps) *gin.Engine {
	g := gin.New()
	g.Use(requestLogger(logging.For("http")), gin.Recovery())
	attachRoutes(g, deps)
	return g
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

var _ core.Module = (*Module)(nil)

// Module serves the HTTP surface for the lifetime of the process.
type Module struct {
	addr string
	srv  *http.Server
	log  zerolog.Logger
}

func NewModule(addr string, deps Deps) *Module {
	return &Module{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           New(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logging.For("http"),
	}
}

// Name implements core.Module.
func (m *Module) Name() string { return "webserver" }

func (m *Module) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", m.addr, err)
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	m.log.Info().Str("addr", ln.Addr().String()).Msg("http listening")
	return nil
}

func (m *Module) Stop(ctx context.Context) {
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutCtx); err != nil {
		m.log.Warn().Err(err).Msg("http shutdown")
	}
}
