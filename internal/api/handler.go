// Package api serves the operator dashboard and the chat ingest webhook.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/order"
	"signal-core/internal/pipeline"
	"signal-core/internal/signal"
	"signal-core/internal/tracker"
	"signal-core/pkg/db"
)

// Pipeline is the lifecycle surface the API drives.
type Pipeline interface {
	Submit(ctx context.Context, ev pipeline.Event) error
	Confirm(ctx context.Context, messageID string) error
	Cancel(ctx context.Context, messageID string) error
	Parked(ctx context.Context) ([]signal.Signal, error)
	EmergencyClose(ctx context.Context, instrument string) error
	ActiveSignals() []tracker.Record
	InstrumentCount() int
	Running() bool
}

// PendingFills lists entry orders still waiting for a fill.
type PendingFills interface {
	Snapshot() []order.Pending
}

// Store is the persistence the dashboard reads and edits.
type Store interface {
	GetPreferences(ctx context.Context) (db.Preferences, error)
	SavePreferences(ctx context.Context, p db.Preferences) error
	ListWhitelist(ctx context.Context) ([]string, error)
	ReplaceWhitelist(ctx context.Context, names []string) error
	ListSignals(ctx context.Context, limit int) ([]db.SignalRecord, error)
	ListEdits(ctx context.Context, messageID string) ([]db.EditRecord, error)
	ListOrders(ctx context.Context, limit int) ([]db.OrderRecord, error)
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	DryRun  bool   `json:"dry_run"`
	Venue   string `json:"venue"`
	Version string `json:"version"`
}

// Auth configures dashboard login.
type Auth struct {
	JWTSecret string
	// PasswordHash is the bcrypt hash of the dashboard password. Empty
	// disables login.
	PasswordHash string
	TokenTTL     time.Duration
}

// Deps are the server collaborators.
type Deps struct {
	Bus      *events.Bus
	Store    Store
	Pipeline Pipeline
	Fills    PendingFills
	Metrics  http.Handler
	Auth     Auth
	Meta     SystemMeta
	Log      *zap.Logger
}

// Server wires HTTP endpoints around the pipeline.
type Server struct {
	Router *gin.Engine
	Deps
	limiter *ipLimiter
}

// NewServer builds the router.
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Auth.TokenTTL <= 0 {
		d.Auth.TokenTTL = 72 * time.Hour
	}
	r := gin.New()
	s := &Server{Router: r, Deps: d, limiter: newIPLimiter(20, 50)}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Log))
	r.Use(s.limiter.middleware(d.Log))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/preferences", s.getPreferences)
			protected.PUT("/preferences", s.putPreferences)
			protected.GET("/whitelist", s.getWhitelist)
			protected.PUT("/whitelist", s.putWhitelist)

			protected.GET("/signals/active", s.getActiveSignals)
			protected.GET("/signals/parked", s.getParkedSignals)
			protected.GET("/signals/history", s.getSignalHistory)
			protected.GET("/signals/:id/edits", s.getSignalEdits)
			protected.POST("/signals/:id/confirm", s.confirmSignal)
			protected.POST("/signals/:id/cancel", s.cancelSignal)

			protected.GET("/fills/pending", s.getPendingFills)
			protected.GET("/orders", s.getOrders)
			protected.POST("/positions/:instrument/close", s.closePositions)

			protected.POST("/chat/messages", s.ingestMessage)
			protected.POST("/chat/edits", s.ingestEdit)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.Pipeline != nil && !s.Pipeline.Running() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
