package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitloop/habitloop/internal/audit"
	"github.com/habitloop/habitloop/internal/clock"
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	"github.com/habitloop/habitloop/internal/config"
	"github.com/habitloop/habitloop/internal/coupon"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	"github.com/habitloop/habitloop/internal/event"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	"github.com/habitloop/habitloop/internal/fraud"
	frauddomain "github.com/habitloop/habitloop/internal/fraud/domain"
	"github.com/habitloop/habitloop/internal/membership"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"github.com/habitloop/habitloop/internal/observability"
	obsmiddleware "github.com/habitloop/habitloop/internal/observability/logger"
	obsmetrics "github.com/habitloop/habitloop/internal/observability/metrics"
	obstracing "github.com/habitloop/habitloop/internal/observability/tracing"
	"github.com/habitloop/habitloop/internal/ratelimit"
	"github.com/habitloop/habitloop/internal/redemption"
	redemptiondomain "github.com/habitloop/habitloop/internal/redemption/domain"
	"github.com/habitloop/habitloop/internal/signing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	audit.Module,
	fraud.Module,
	coupon.Module,
	membership.Module,
	event.Module,
	redemption.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Params struct {
	fx.In

	Config        config.Config
	Log           *zap.Logger
	Engine        *gin.Engine
	Clock         clock.Clock
	EventSvc      eventdomain.Service
	CouponSvc     coupondomain.Service
	RedemptionSvc redemptiondomain.Service
	MembershipSvc membershipdomain.Service
	FraudSvc      frauddomain.Service
	AuditSvc      auditdomain.Service
	Ingress       *ratelimit.IngressLimiter `optional:"true"`
	Metrics       *obsmetrics.Metrics       `optional:"true"`
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	events        eventdomain.Service
	coupons       coupondomain.Service
	redemptions   redemptiondomain.Service
	memberships   membershipdomain.Service
	fraud         frauddomain.Service
	audit         auditdomain.Service
	ingress       *ratelimit.IngressLimiter
	metrics       *obsmetrics.Metrics
	clock         clock.Clock
	webhookSigner *signing.Signer
}

func NewServer(p Params) *Server {
	return &Server{
		engine:        p.Engine,
		cfg:           p.Config,
		log:           p.Log.Named("http.server"),
		events:        p.EventSvc,
		coupons:       p.CouponSvc,
		redemptions:   p.RedemptionSvc,
		memberships:   p.MembershipSvc,
		fraud:         p.FraudSvc,
		audit:         p.AuditSvc,
		ingress:       p.Ingress,
		metrics:       p.Metrics,
		clock:         p.Clock,
		webhookSigner: signing.NewSigner(p.Config.WebhookSecret, p.Config.WebhookTolerance),
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterOperatorRoutes()
	s.RegisterWebhookRoutes()
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.UserRequired())

	api.POST("/events", s.IngressLimit(), s.SubmitEvent)
	api.GET("/events", s.ListEvents)
	api.GET("/balance", s.GetBalance)

	api.GET("/templates", s.ListTemplates)
	api.POST("/redemptions", s.Redeem)
	api.GET("/redemptions", s.ListRedemptions)
	api.GET("/redemptions/:id", s.GetRedemption)
	api.POST("/coupons/consume", s.ConsumeCoupon)
	api.GET("/membership", s.GetMembership)
}

func (s *Server) RegisterOperatorRoutes() {
	ops := s.engine.Group("/ops")
	ops.Use(s.OperatorRequired())

	ops.POST("/events/validate", s.ValidatePending)
	ops.POST("/events/:id/review", s.ReviewEvent)
	ops.GET("/users/:user_id/insights", s.ListInsights)
	ops.POST("/insights/:id/resolve", s.ResolveInsight)
	ops.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/membership", s.MembershipWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
