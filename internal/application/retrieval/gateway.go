package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"moldcase-kb-api/pkg/logger"
)

// ToolRequest search_and_pack 的入参。预调用钩子可以就地改写 Query/Filters。
type ToolRequest struct {
	Query       string        `json:"query"`
	Mode        SearchMode    `json:"mode,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	BudgetChars int           `json:"budget_chars,omitempty"`
	Filters     SearchFilters `json:"filters,omitempty"`
}

// PreHook 预调用扩展点：可改写请求，返回错误则中止调用
type PreHook func(ctx context.Context, req *ToolRequest) error

// PostHook 后调用扩展点：只读审计出站载荷，返回错误则中止调用
type PostHook func(ctx context.Context, req *ToolRequest, payload *BoundedPayload) error

type registeredHook[F any] struct {
	name     string
	priority int
	seq      int
	fn       F
}

// GatewayLimits 网关入参校验边界
type GatewayLimits struct {
	MaxTopK        int
	MinBudgetChars int
	MaxBudgetChars int
	DefaultTopK    int
	DefaultBudget  int
	DefaultMode    SearchMode
}

func (l GatewayLimits) withDefaults() GatewayLimits {
	if l.MaxTopK <= 0 {
		l.MaxTopK = maxTopK
	}
	if l.DefaultTopK <= 0 {
		l.DefaultTopK = defaultTopK
	}
	if l.MinBudgetChars <= 0 {
		l.MinBudgetChars = 200
	}
	if l.MaxBudgetChars <= 0 {
		l.MaxBudgetChars = 100000
	}
	if l.DefaultBudget <= 0 {
		l.DefaultBudget = 6000
	}
	if l.DefaultMode == "" {
		l.DefaultMode = ModeHybrid
	}
	return l
}

// Gateway 工具网关：智能体运行时的唯一调用边界。
// 所有依赖在构造时显式注入，进程内不存在隐式全局注册表；
// 钩子表构造期注册、调用期只读，因此并发调用无须加锁。
type Gateway struct {
	engine   *Engine
	budgeter *Budgeter
	limits   GatewayLimits
	cache    PayloadCache

	preHooks  []registeredHook[PreHook]
	postHooks []registeredHook[PostHook]
	hookSeq   int
}

func NewGateway(engine *Engine, budgeter *Budgeter, limits GatewayLimits) *Gateway {
	return &Gateway{
		engine:   engine,
		budgeter: budgeter,
		limits:   limits.withDefaults(),
	}
}

// SetPayloadCache 启用打包结果短缓存。钩子改写后的请求参与缓存键，
// 因此同一原始查询经不同钩子配置不会串缓存。
func (g *Gateway) SetPayloadCache(cache PayloadCache) {
	g.cache = cache
}

// RegisterPreHook 注册预调用钩子。执行顺序：priority 升序，
// 相同 priority 按注册先后（稳定排序）。
func (g *Gateway) RegisterPreHook(name string, priority int, fn PreHook) {
	g.hookSeq++
	g.preHooks = append(g.preHooks, registeredHook[PreHook]{
		name: name, priority: priority, seq: g.hookSeq, fn: fn,
	})
	sortHooks(g.preHooks)
}

// RegisterPostHook 注册后调用钩子，排序规则同 RegisterPreHook
func (g *Gateway) RegisterPostHook(name string, priority int, fn PostHook) {
	g.hookSeq++
	g.postHooks = append(g.postHooks, registeredHook[PostHook]{
		name: name, priority: priority, seq: g.hookSeq, fn: fn,
	})
	sortHooks(g.postHooks)
}

func sortHooks[F any](hooks []registeredHook[F]) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})
}

// SearchAndPack 唯一对外操作：校验 → 预钩子 → 检索 → 打包 → 后钩子。
// 调用方 deadline 贯穿全链路，超时返回 context.DeadlineExceeded 而非半成品载荷。
func (g *Gateway) SearchAndPack(ctx context.Context, req *ToolRequest) (*BoundedPayload, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if err := g.validate(req); err != nil {
		return nil, err
	}

	// 预调用钩子：可改写查询，改写结果再次校验
	for _, h := range g.preHooks {
		if err := h.fn(ctx, req); err != nil {
			return nil, &HookAbortError{Hook: h.name, Reason: err.Error()}
		}
	}
	if err := g.validate(req); err != nil {
		return nil, err
	}

	if g.cache != nil {
		if cached, ok := g.cache.GetPayload(ctx, req); ok {
			// 后置钩子对缓存命中同样生效（审计不可旁路）
			for _, h := range g.postHooks {
				if err := h.fn(ctx, req, cached); err != nil {
					return nil, &HookAbortError{Hook: h.name, Reason: err.Error()}
				}
			}
			return cached, nil
		}
	}

	set, err := g.engine.Search(ctx, SearchInput{
		Query:   req.Query,
		Mode:    req.Mode,
		TopK:    req.TopK,
		Filters: req.Filters,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	payload := g.budgeter.Pack(set, req.BudgetChars)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, h := range g.postHooks {
		if err := h.fn(ctx, req, payload); err != nil {
			return nil, &HookAbortError{Hook: h.name, Reason: err.Error()}
		}
	}

	if g.cache != nil {
		g.cache.SetPayload(ctx, req, payload)
	}

	logger.Debug(ctx, "search_and_pack completed",
		"query", req.Query,
		"mode", string(payload.SearchMode),
		"total_found", payload.TotalFound,
		"included", payload.IncludedCount,
		"truncated", payload.Truncated,
	)
	return payload, nil
}

// validate 入参校验。坏输入立即拒绝，不重试。
func (g *Gateway) validate(req *ToolRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return errors.New("query is required")
	}
	if req.Mode == "" {
		req.Mode = g.limits.DefaultMode
	}
	if !ValidMode(req.Mode) {
		return fmt.Errorf("invalid mode: %q (want issue|case|hybrid)", req.Mode)
	}
	if req.TopK == 0 {
		req.TopK = g.limits.DefaultTopK
	}
	if req.TopK < 1 || req.TopK > g.limits.MaxTopK {
		return fmt.Errorf("top_k must be within [1,%d], got %d", g.limits.MaxTopK, req.TopK)
	}
	if req.BudgetChars == 0 {
		req.BudgetChars = g.limits.DefaultBudget
	}
	if req.BudgetChars < g.limits.MinBudgetChars || req.BudgetChars > g.limits.MaxBudgetChars {
		return fmt.Errorf("budget_chars must be within [%d,%d], got %d",
			g.limits.MinBudgetChars, g.limits.MaxBudgetChars, req.BudgetChars)
	}
	return nil
}
