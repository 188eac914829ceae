// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/infrastructure/persistence/milvus"
	"moldcase-kb-api/internal/infrastructure/persistence/postgres"
	"moldcase-kb-api/internal/infrastructure/persistence/redis"
)

// readyCheckTimeout 单次就绪检查的总预算
const readyCheckTimeout = 2 * time.Second

// HealthHandler 健康检查处理器
type HealthHandler struct {
	pg      *postgres.Client
	redis   *redis.Client
	milvus  *milvus.Client
	service string
	version string
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(pg *postgres.Client, redisClient *redis.Client, milvusClient *milvus.Client, service, version string) *HealthHandler {
	return &HealthHandler{
		pg:      pg,
		redis:   redisClient,
		milvus:  milvusClient,
		service: service,
		version: version,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

type readinessResponse struct {
	Status string                     `json:"status"`
	Checks map[string]*readinessCheck `json:"checks,omitempty"`
}

// Health 健康检查接口
// @Summary 健康检查
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: h.service,
		Version: h.version,
	})
}

// Ready 就绪检查接口。三个依赖并发探测，共享超时预算；
// Milvus 不可用只降级检索，不摘除流量。
// @Summary 就绪检查
// @Tags System
// @Produce json
// @Success 200 {object} readinessResponse
// @Router /ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyCheckTimeout)
	defer cancel()

	type probe struct {
		name     string
		required bool
		run      func(context.Context) error
	}

	probes := []probe{
		{name: "postgres", required: true, run: func(ctx context.Context) error {
			if h == nil || h.pg == nil {
				return errNotConfigured("postgres")
			}
			return h.pg.HealthCheck(ctx)
		}},
		{name: "redis", required: true, run: func(ctx context.Context) error {
			if h == nil || h.redis == nil {
				return errNotConfigured("redis")
			}
			return h.redis.HealthCheck(ctx)
		}},
		{name: "milvus", required: false, run: func(ctx context.Context) error {
			if h == nil || h.milvus == nil {
				return errNotConfigured("milvus")
			}
			return h.milvus.HealthCheck(ctx)
		}},
	}

	checks := make(map[string]*readinessCheck, len(probes))
	for _, p := range probes {
		checks[p.name] = &readinessCheck{Status: "unknown"}
	}

	var mu sync.Mutex
	ready := true

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			start := time.Now()
			err := p.run(ctx)
			latency := time.Since(start).Milliseconds()

			mu.Lock()
			defer mu.Unlock()
			checks[p.name].LatencyMs = latency
			if err == nil {
				checks[p.name].Status = "ok"
				return
			}
			checks[p.name].Error = err.Error()
			if p.required {
				checks[p.name].Status = "error"
				ready = false
			} else {
				checks[p.name].Status = "degraded"
			}
		}(p)
	}
	wg.Wait()

	resp := readinessResponse{
		Status: "ok",
		Checks: checks,
	}
	if !ready {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Live 存活检查接口
// @Summary 存活检查
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
	})
}

type errNotConfigured string

func (e errNotConfigured) Error() string {
	return string(e) + " client not configured"
}
