package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, limits GatewayLimits) (*Gateway, *fakeVectorIndex) {
	t.Helper()
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	seedCase(t, cases, issues, "TS-100-A", "A", time.Now(), map[int][]string{1: {"银纹"}})
	vec.issueHits = []*VectorHit{{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.9}}

	engine := newTestEngine(vec, cases, issues, images, 0)
	return NewGateway(engine, NewBudgeter(0), limits), vec
}

func TestSearchAndPack_HappyPath(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayLimits{})

	payload, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹怎么处理"})
	require.NoError(t, err)
	assert.Equal(t, 1, payload.TotalFound)
	assert.Equal(t, 1, payload.IncludedCount)
	assert.False(t, payload.Truncated)
	assert.Equal(t, ModeHybrid, payload.SearchMode)
}

func TestSearchAndPack_Validation(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayLimits{MaxTopK: 50, MinBudgetChars: 200, MaxBudgetChars: 100000})

	t.Run("nil request", func(t *testing.T) {
		_, err := gw.SearchAndPack(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "  "})
		assert.Error(t, err)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹", Mode: "fuzzy"})
		assert.Error(t, err)
	})

	t.Run("top_k out of range", func(t *testing.T) {
		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹", TopK: 51})
		assert.Error(t, err)
		_, err = gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹", TopK: -1})
		assert.Error(t, err)
	})

	t.Run("budget out of range", func(t *testing.T) {
		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹", BudgetChars: 100})
		assert.Error(t, err)
		_, err = gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹", BudgetChars: 200001})
		assert.Error(t, err)
	})

	t.Run("zero values take defaults", func(t *testing.T) {
		req := &ToolRequest{Query: "银纹"}
		_, err := gw.SearchAndPack(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 10, req.TopK)
		assert.Equal(t, 6000, req.BudgetChars)
		assert.Equal(t, ModeHybrid, req.Mode)
	})
}

func TestSearchAndPack_HookOrdering(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayLimits{})

	var order []string
	record := func(name string) PreHook {
		return func(ctx context.Context, req *ToolRequest) error {
			order = append(order, name)
			return nil
		}
	}

	// 注册顺序与优先级交错：执行顺序应为 priority 升序，同级先注册先执行
	gw.RegisterPreHook("late", 10, record("late"))
	gw.RegisterPreHook("first-a", 0, record("first-a"))
	gw.RegisterPreHook("first-b", 0, record("first-b"))
	gw.RegisterPreHook("earliest", -5, record("earliest"))

	_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
	require.NoError(t, err)
	assert.Equal(t, []string{"earliest", "first-a", "first-b", "late"}, order)
}

func TestSearchAndPack_PreHookRewritesRequest(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayLimits{})

	gw.RegisterPreHook("expand-jargon", 0, func(ctx context.Context, req *ToolRequest) error {
		req.Query = req.Query + " 银纹 流痕"
		return nil
	})

	req := &ToolRequest{Query: "表面发亮条纹"}
	_, err := gw.SearchAndPack(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "表面发亮条纹 银纹 流痕", req.Query)
}

func TestSearchAndPack_HookAbortIsDistinct(t *testing.T) {
	t.Run("pre hook abort", func(t *testing.T) {
		gw, _ := newTestGateway(t, GatewayLimits{})
		gw.RegisterPreHook("deny-all", 0, func(ctx context.Context, req *ToolRequest) error {
			return errors.New("query blocked by policy")
		})

		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
		ha, ok := AsHookAbort(err)
		require.True(t, ok)
		assert.Equal(t, "deny-all", ha.Hook)
		assert.Contains(t, ha.Reason, "policy")
		assert.NotErrorIs(t, err, ErrIndexUnavailable)
	})

	t.Run("post hook abort", func(t *testing.T) {
		gw, _ := newTestGateway(t, GatewayLimits{})
		gw.RegisterPostHook("leak-check", 0, func(ctx context.Context, req *ToolRequest, payload *BoundedPayload) error {
			return errors.New("payload contains restricted part numbers")
		})

		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
		_, ok := AsHookAbort(err)
		assert.True(t, ok)
	})

	t.Run("retrieval failure is not a hook abort", func(t *testing.T) {
		gw, vec := newTestGateway(t, GatewayLimits{})
		vec.searchErr = errors.New("collection not loaded")

		_, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
		assert.ErrorIs(t, err, ErrIndexUnavailable)
		_, ok := AsHookAbort(err)
		assert.False(t, ok)
	})
}

type memPayloadCache struct {
	store map[string]*BoundedPayload
	hits  int
}

func (m *memPayloadCache) key(req *ToolRequest) string {
	return req.Query + "|" + string(req.Mode)
}

func (m *memPayloadCache) GetPayload(ctx context.Context, req *ToolRequest) (*BoundedPayload, bool) {
	p, ok := m.store[m.key(req)]
	if ok {
		m.hits++
	}
	return p, ok
}

func (m *memPayloadCache) SetPayload(ctx context.Context, req *ToolRequest, payload *BoundedPayload) {
	m.store[m.key(req)] = payload
}

func TestSearchAndPack_PayloadCache(t *testing.T) {
	gw, vec := newTestGateway(t, GatewayLimits{})
	cache := &memPayloadCache{store: make(map[string]*BoundedPayload)}
	gw.SetPayloadCache(cache)

	first, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
	require.NoError(t, err)
	require.Equal(t, 0, cache.hits)

	// 二次调用命中缓存，不再触发检索
	vec.searchErr = errors.New("index offline")
	second, err := gw.SearchAndPack(context.Background(), &ToolRequest{Query: "银纹"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, first.TotalFound, second.TotalFound)

	// 不同查询不串缓存
	_, err = gw.SearchAndPack(context.Background(), &ToolRequest{Query: "缩水"})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestSearchAndPack_DeadlinePropagates(t *testing.T) {
	gw, _ := newTestGateway(t, GatewayLimits{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := gw.SearchAndPack(ctx, &ToolRequest{Query: "银纹"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
