// Package server exposes the billing engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tatamipay/billing/internal/charge"
	"github.com/tatamipay/billing/internal/config"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	policydomain "github.com/tatamipay/billing/internal/policy/domain"
	reconcilerdomain "github.com/tatamipay/billing/internal/reconciler/domain"
	"github.com/tatamipay/billing/internal/scheduler"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	policySvc       policydomain.Service
	chargeSvc       *charge.Service
	reconcilerSvc   reconcilerdomain.Service
	scheduler       *scheduler.Scheduler
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PolicySvc       policydomain.Service
	ChargeSvc       *charge.Service
	ReconcilerSvc   reconcilerdomain.Service
	Scheduler       *scheduler.Scheduler
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("server"),
		genID:           p.GenID,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		policySvc:       p.PolicySvc,
		chargeSvc:       p.ChargeSvc,
		reconcilerSvc:   p.ReconcilerSvc,
		scheduler:       p.Scheduler,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	invoices := v1.Group("/invoices")
	invoices.POST("", s.CreateInvoice)
	invoices.GET("", s.ListInvoices)
	invoices.GET("/:id", s.GetInvoice)
	invoices.POST("/:id/settle", s.SettleInvoice)
	invoices.POST("/:id/reverse", s.ReverseInvoice)
	invoices.POST("/:id/cancel", s.CancelInvoice)
	invoices.POST("/:id/installments", s.SplitInvoice)
	invoices.POST("/:id/charges", s.CreateCharge)

	subscriptions := v1.Group("/subscriptions")
	subscriptions.POST("", s.CreateSubscription)
	subscriptions.GET("", s.ListSubscriptions)
	subscriptions.GET("/:id", s.GetSubscription)
	subscriptions.POST("/:id/pause", s.PauseSubscription)
	subscriptions.POST("/:id/resume", s.ResumeSubscription)
	subscriptions.POST("/:id/cancel", s.CancelSubscription)

	v1.GET("/charges/:external_id", s.GetCharge)

	tenants := v1.Group("/tenants/:tenant_id")
	tenants.GET("/policy", s.GetPolicy)
	tenants.PUT("/policy", s.UpsertPolicy)
	tenants.GET("/overview", s.TenantOverview)

	v1.POST("/webhooks/payment", s.HandlePaymentWebhook)

	v1.POST("/automation/run", s.RunAutomation)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
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
