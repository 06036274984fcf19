package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/jobtrail/jobtrail/internal/account"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	"github.com/jobtrail/jobtrail/internal/billingevent"
	"github.com/jobtrail/jobtrail/internal/config"
	"github.com/jobtrail/jobtrail/internal/credit"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	"github.com/jobtrail/jobtrail/internal/observability/metrics"
	"github.com/jobtrail/jobtrail/internal/payment"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	"github.com/jobtrail/jobtrail/internal/providers/ai"
	"github.com/jobtrail/jobtrail/internal/quota"
	quotadomain "github.com/jobtrail/jobtrail/internal/quota/domain"
	"github.com/jobtrail/jobtrail/internal/ratelimit"
	"github.com/jobtrail/jobtrail/internal/review"
	reviewdomain "github.com/jobtrail/jobtrail/internal/review/domain"
	"github.com/jobtrail/jobtrail/internal/scheduler"
	"github.com/jobtrail/jobtrail/internal/subscription"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	metrics.Module,
	fx.Provide(registerGin),
	account.Module,
	credit.Module,
	quota.Module,
	billingevent.Module,
	subscription.Module,
	payment.Module,
	ai.Module,
	ratelimit.Module,
	review.Module,
	scheduler.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	plans      *config.PlanConfigHolder
	accountSvc accountdomain.Service
	creditSvc  creditdomain.Service
	quotaSvc   quotadomain.Service
	paymentSvc paymentdomain.Service
	reviewSvc  reviewdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Plans      *config.PlanConfigHolder
	AccountSvc accountdomain.Service
	CreditSvc  creditdomain.Service
	QuotaSvc   quotadomain.Service
	PaymentSvc paymentdomain.Service
	ReviewSvc  reviewdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		plans:      p.Plans,
		accountSvc: p.AccountSvc,
		creditSvc:  p.CreditSvc,
		quotaSvc:   p.QuotaSvc,
		paymentSvc: p.PaymentSvc,
		reviewSvc:  p.ReviewSvc,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.IdentityRequired())

	v1.POST("/reviews", s.PerformReview)
	v1.POST("/conversation-turns", s.PerformConversationTurn)
	v1.POST("/company-info", s.PerformCompanyInfo)

	v1.GET("/credits/balance", s.GetBalance)
	v1.GET("/credits/transactions", s.ListTransactions)
	v1.GET("/usage/daily-free", s.GetDailyFree)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandleBillingWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
