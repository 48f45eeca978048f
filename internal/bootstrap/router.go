package bootstrap

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/ridgeline-contracting/billing-backend/internal/api/http"
	"github.com/ridgeline-contracting/billing-backend/internal/api/http/middleware"
	billinghttp "github.com/ridgeline-contracting/billing-backend/internal/billing/http"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/service"
)

type RouterDeps struct {
	ServiceName   string
	Version       string
	WebhookSecret string
	DB            *pgxpool.Pool
	Redis         *redis.Client
	Lifecycle     *service.LifecycleService
	Reports       *service.ReportService
	EventLog      billinghttp.EventLog
	Deduper       billinghttp.DedupeGuard
	Logger        *zap.Logger
}

func BuildRouter(dep RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(middleware.RequestIDMiddleware(dep.Logger))

	healthHandler := httpapi.NewHealthHandler(dep.ServiceName, dep.Version, dep.DB, dep.Redis)
	healthHandler.RegisterRoutes(r)

	webhookHandler := billinghttp.NewWebhookHandler(dep.Lifecycle, dep.EventLog, dep.Deduper, dep.WebhookSecret, dep.Logger)
	webhookHandler.Register(r)

	api := r.Group("/api/v1")

	billingHandler := billinghttp.NewHandler(dep.Lifecycle, dep.Reports)
	billingHandler.Register(api)

	return r
}
