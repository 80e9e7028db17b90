package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"maskrelay/agent/internal/cache"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  *cache.Store
	logger *zap.Logger
}

// HealthOptions 健康检查配置。
type HealthOptions struct {
	// UpstreamURL 非空时对其做 HTTP 可达性就绪检查
	UpstreamURL string
	// ResourceKeys 就绪检查要求这些资源键至少加载成功过一次
	ResourceKeys []string
	// MaxGoroutines 存活检查的协程数上限，<=0 使用默认值
	MaxGoroutines int
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store *cache.Store, logger *zap.Logger, opts HealthOptions) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}
	hc.addChecks(opts)
	return hc
}

func (hc *HealthChecker) addChecks(opts HealthOptions) {
	maxGoroutines := opts.MaxGoroutines
	if maxGoroutines <= 0 {
		maxGoroutines = 200
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	if opts.UpstreamURL != "" {
		hc.health.AddReadinessCheck("upstream",
			healthcheck.HTTPGetCheck(opts.UpstreamURL, 5*time.Second))
	}

	for _, key := range opts.ResourceKeys {
		key := key
		hc.health.AddReadinessCheck("resource:"+key, hc.resourceCheck(key))
	}
}

// resourceCheck 资源键至少成功加载过一次才算就绪。
func (hc *HealthChecker) resourceCheck(key string) healthcheck.Check {
	return func() error {
		e, ok := hc.store.Snapshot(key)
		if !ok {
			return cache.ErrUnknownKey
		}
		if e.IsLoading {
			return errors.New("resource not loaded yet")
		}
		return e.Err
	}
}

// Handler 返回健康检查处理器，暴露 /live 与 /ready。
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}
