package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"moldcase-kb-api/internal/application/retrieval"
	"moldcase-kb-api/pkg/logger"
)

// PayloadCache 打包结果短缓存，实现应用层 PayloadCache / CacheInvalidator port。
// 缓存只是优化：读写失败一律降级为未命中，不影响调用链路。
type PayloadCache struct {
	cache *Cache
	ttl   time.Duration
}

var (
	_ retrieval.PayloadCache     = (*PayloadCache)(nil)
	_ retrieval.CacheInvalidator = (*PayloadCache)(nil)
)

func NewPayloadCache(cache *Cache, ttl time.Duration) *PayloadCache {
	return &PayloadCache{cache: cache, ttl: ttl}
}

// GetPayload 按请求参数读取缓存的打包结果
func (p *PayloadCache) GetPayload(ctx context.Context, req *retrieval.ToolRequest) (*retrieval.BoundedPayload, bool) {
	if p == nil || p.cache == nil || req == nil {
		return nil, false
	}

	key, ok := p.key(req)
	if !ok {
		return nil, false
	}

	raw, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	var payload retrieval.BoundedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Warn(ctx, "corrupt cached payload dropped", "key", key, "error", err.Error())
		_ = p.cache.Delete(ctx, key)
		return nil, false
	}
	return &payload, true
}

// SetPayload 写入打包结果，失败只记日志
func (p *PayloadCache) SetPayload(ctx context.Context, req *retrieval.ToolRequest, payload *retrieval.BoundedPayload) {
	if p == nil || p.cache == nil || req == nil || payload == nil || p.ttl <= 0 {
		return
	}

	key, ok := p.key(req)
	if !ok {
		return
	}
	if err := p.cache.Set(ctx, key, payload, p.ttl); err != nil {
		logger.Warn(ctx, "payload cache write failed", "key", key, "error", err.Error())
	}
}

// InvalidateCase 案例数据变更后失效相关缓存
func (p *PayloadCache) InvalidateCase(ctx context.Context, caseID string) error {
	if p == nil || p.cache == nil {
		return nil
	}
	return p.cache.InvalidateCase(ctx, caseID)
}

// key 由完整请求（含钩子改写后的查询与过滤条件）派生缓存键
func (p *PayloadCache) key(req *retrieval.ToolRequest) (string, bool) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(canonical)
	return BuildPayloadKey(hex.EncodeToString(sum[:16]), req.TopK, req.BudgetChars), true
}
