package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/sessionbill/internal/authorization"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	creditdomain "github.com/smallbiznis/sessionbill/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/internal/observability"
	obsmiddleware "github.com/smallbiznis/sessionbill/internal/observability/logger"
	obstracing "github.com/smallbiznis/sessionbill/internal/observability/tracing"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/ratelimit"
	sessiondomain "github.com/smallbiznis/sessionbill/internal/sessionbilling/domain"
	"github.com/smallbiznis/sessionbill/internal/statement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP serves the engine on the configured address for the lifetime of the app.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	clock        clock.Clock
	ledger       ledgerdomain.Store
	creditSvc    creditdomain.Service
	sessionSvc   sessiondomain.Service
	pricing      *pricing.Source
	authzSvc     authorization.Service
	statementSvc *statement.Service
	startLimiter *ratelimit.BillingStartLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	Ledger       ledgerdomain.Store
	CreditSvc    creditdomain.Service
	SessionSvc   sessiondomain.Service
	Pricing      *pricing.Source
	AuthzSvc     authorization.Service
	StatementSvc *statement.Service
	StartLimiter *ratelimit.BillingStartLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		clock:        p.Clock,
		ledger:       p.Ledger,
		creditSvc:    p.CreditSvc,
		sessionSvc:   p.SessionSvc,
		pricing:      p.Pricing,
		authzSvc:     p.AuthzSvc,
		statementSvc: p.StatementSvc,
		startLimiter: p.StartLimiter,
	}

	svc.registerAccountRoutes()
	svc.registerSessionRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAccountRoutes() {
	v1 := s.engine.Group("/v1", s.Passport())

	v1.POST("/accounts", s.CreateAccount)
	v1.GET("/pricing", s.GetPricing)

	accounts := v1.Group("/accounts/:id", s.RequireAccountAccess())
	accounts.GET("", s.GetAccount)
	accounts.GET("/balance", s.GetBalance)
	accounts.POST("/balance/check", s.CheckBalance)
	accounts.POST("/credits/purchase", s.PurchaseCredits)
	accounts.POST("/storage-charges", s.ChargeStorage)
	accounts.GET("/transactions", s.ListTransactions)
	accounts.GET("/summary", s.GetSummary)
	accounts.GET("/verify", s.VerifyLedger)
	accounts.GET("/statement.pdf", s.GetStatementPDF)
	accounts.GET("/sessions", s.ListSessionHistory)
	accounts.GET("/estimate", s.EstimateSessionCost)
}

func (s *Server) registerSessionRoutes() {
	sessions := s.engine.Group("/v1/sessions/:id", s.Passport())

	sessions.POST("/billing", s.BillingStartRateLimit(), s.StartBilling)
	sessions.DELETE("/billing", s.StopBilling)
	sessions.POST("/billing/cancel", s.CancelBilling)
	sessions.POST("/heartbeat", s.Heartbeat)
	sessions.GET("/cost", s.GetSessionCost)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.Passport())

	admin.POST("/accounts/:id/adjustments", s.CreateAdjustment)
	admin.POST("/accounts/:id/deactivate", s.DeactivateAccount)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
