package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(RegisterRoutes),
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

// queueInspector is the part of asynq.Inspector readiness needs.
type queueInspector interface {
	Queues() ([]string, error)
}

type health struct {
	db        *gorm.DB
	redis     *redis.Client
	inspector queueInspector
}

type HealthParams struct {
	fx.In
	DB        *gorm.DB         `optional:"true"`
	Redis     *redis.Client    `optional:"true"`
	Inspector *asynq.Inspector `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	h := &health{db: p.DB, redis: p.Redis}
	if p.Inspector != nil {
		h.inspector = p.Inspector
	}
	return h
}

// RegisterRoutes serves the probes and the prometheus registry.
func RegisterRoutes(engine *gin.Engine, h HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: statusHealthy, Message: "OK"})
}

func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make([]Dependency, 0, 3)
	if h.db != nil {
		deps = append(deps, check(h.db.Name(), func() error {
			sqlDB, err := h.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}
	if h.redis != nil {
		deps = append(deps, check("redis", func() error {
			return h.redis.Ping(ctx).Err()
		}))
	}
	if h.inspector != nil {
		deps = append(deps, check("asynq", func() error {
			_, err := h.inspector.Queues()
			return err
		}))
	}

	out := &Health{Status: statusHealthy, Message: "OK", Deps: deps}
	code := http.StatusOK
	for _, d := range deps {
		if d.Status != statusHealthy {
			out.Status, out.Message = statusUnhealthy, d.Name+" is not ready"
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, out)
}

func check(name string, fn func() error) Dependency {
	if err := fn(); err != nil {
		return Dependency{Name: name, Status: statusUnhealthy, Message: err.Error()}
	}
	return Dependency{Name: name, Status: statusHealthy, Message: "OK"}
}
