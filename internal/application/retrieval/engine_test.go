package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moldcase-kb-api/internal/domain/entity"
)

func seedCase(t *testing.T, cases *fakeCaseRepo, issues *fakeIssueRepo, caseID, part string, updated time.Time, issueDefects map[int][]string) {
	t.Helper()
	c := &entity.Case{
		CaseID:      caseID,
		PartNumber:  part,
		MoldType:    "两板模",
		TextSummary: "零件 " + part + " 的试模问题汇总",
		UpdatedAt:   updated,
	}
	require.NoError(t, cases.Upsert(context.Background(), c))

	var list []*entity.Issue
	for n, defects := range issueDefects {
		is := &entity.Issue{
			IssueID:     entity.NewIssueID(caseID, n),
			CaseID:      caseID,
			IssueNumber: n,
			Problem:     "表面出现缺陷",
			Solution:    "调整成型参数",
			DefectTypes: defects,
			UpdatedAt:   updated,
		}
		list = append(list, is)
	}
	require.NoError(t, issues.UpsertBatch(context.Background(), caseID, list))
}

func newTestEngine(vec *fakeVectorIndex, cases *fakeCaseRepo, issues *fakeIssueRepo, images *fakeImageRepo, boost float64) *Engine {
	return NewEngine(&fakeEmbedder{}, vec, cases, issues, NewImageResolver(images), boost)
}

func TestSearch_HybridMergesBothGranularities(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	now := time.Now()
	seedCase(t, cases, issues, "TS-100-A", "A", now, map[int][]string{1: {"银纹"}})
	seedCase(t, cases, issues, "TS-200-B", "B", now, map[int][]string{1: {"缩水"}})

	vec.issueHits = []*VectorHit{{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.9}}
	vec.caseHits = []*VectorHit{{ID: "TS-200-B", CaseID: "TS-200-B", Score: 0.7}}

	e := newTestEngine(vec, cases, issues, images, 0)
	set, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: ModeHybrid})
	require.NoError(t, err)

	require.Len(t, set.Results, 2)
	assert.Equal(t, 2, set.TotalFound)
	// COSINE 相似度直接作为相关度，越大越靠前
	assert.Equal(t, ResultTypeSpecificSolution, set.Results[0].ResultType)
	assert.InDelta(t, 0.9, set.Results[0].RelevanceScore, 1e-9)
	assert.Equal(t, ResultTypeFullCase, set.Results[1].ResultType)
	assert.InDelta(t, 0.7, set.Results[1].RelevanceScore, 1e-9)
}

func TestSearch_DedupeKeepsHigherRankedRepresentation(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	seedCase(t, cases, issues, "TS-100-A", "A", time.Now(), map[int][]string{1: nil, 2: nil})

	// 同一案例同时命中问题级与案例级
	vec.issueHits = []*VectorHit{
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.9},
		{ID: "TS-100-A-2", CaseID: "TS-100-A", Score: 0.85},
	}
	vec.caseHits = []*VectorHit{{ID: "TS-100-A", CaseID: "TS-100-A", Score: 0.8}}

	e := newTestEngine(vec, cases, issues, images, 0)

	t.Run("default drops the lower-ranked variant", func(t *testing.T) {
		set, err := e.Search(context.Background(), SearchInput{Query: "银纹"})
		require.NoError(t, err)
		// full_case 表示被去重，两条 issue 保留
		require.Len(t, set.Results, 2)
		for _, r := range set.Results {
			assert.Equal(t, ResultTypeSpecificSolution, r.ResultType)
		}
		assert.Equal(t, 2, set.TotalFound)
	})

	t.Run("include_case_and_issues keeps both", func(t *testing.T) {
		set, err := e.Search(context.Background(), SearchInput{
			Query:   "银纹",
			Filters: SearchFilters{IncludeCaseAndIssues: true},
		})
		require.NoError(t, err)
		assert.Len(t, set.Results, 3)
		assert.Equal(t, 3, set.TotalFound)
	})
}

func TestSearch_FilterBoostIsMonotonic(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	now := time.Now()
	seedCase(t, cases, issues, "TS-100-A", "A", now, map[int][]string{1: {"银纹"}})
	seedCase(t, cases, issues, "TS-200-B", "B", now, map[int][]string{1: {"缩水"}})

	// 未加权时缩水案例略占优
	vec.issueHits = []*VectorHit{
		{ID: "TS-200-B-1", CaseID: "TS-200-B", Score: 0.82},
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.80},
	}

	e := newTestEngine(vec, cases, issues, images, 0.05)

	t.Run("exact defect match wins a narrow gap", func(t *testing.T) {
		set, err := e.Search(context.Background(), SearchInput{
			Query:   "银纹",
			Mode:    ModeIssue,
			Filters: SearchFilters{DefectType: "银纹"},
		})
		require.NoError(t, err)
		require.Len(t, set.Results, 2)
		assert.Equal(t, "TS-100-A", set.Results[0].CaseID)
		assert.InDelta(t, 0.85, set.Results[0].RelevanceScore, 1e-9)
	})

	t.Run("part number filter reaches issue results", func(t *testing.T) {
		set, err := e.Search(context.Background(), SearchInput{
			Query:   "银纹",
			Mode:    ModeIssue,
			Filters: SearchFilters{PartNumber: "A"},
		})
		require.NoError(t, err)
		require.Len(t, set.Results, 2)
		assert.Equal(t, "TS-100-A", set.Results[0].CaseID)
	})

	t.Run("boost never reorders a wide gap", func(t *testing.T) {
		vec.issueHits = []*VectorHit{
			{ID: "TS-200-B-1", CaseID: "TS-200-B", Score: 0.95},
			{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.60},
		}
		set, err := e.Search(context.Background(), SearchInput{
			Query:   "银纹",
			Mode:    ModeIssue,
			Filters: SearchFilters{DefectType: "银纹"},
		})
		require.NoError(t, err)
		require.Len(t, set.Results, 2)
		assert.Equal(t, "TS-200-B", set.Results[0].CaseID)
	})

	t.Run("score is capped at 1", func(t *testing.T) {
		vec.issueHits = []*VectorHit{{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.99}}
		set, err := e.Search(context.Background(), SearchInput{
			Query:   "银纹",
			Mode:    ModeIssue,
			Filters: SearchFilters{DefectType: "银纹"},
		})
		require.NoError(t, err)
		require.Len(t, set.Results, 1)
		assert.Equal(t, 1.0, set.Results[0].RelevanceScore)
	})
}

func TestSearch_RelevanceFollowsIndexScore(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	now := time.Now()
	seedCase(t, cases, issues, "TS-100-A", "A", now, map[int][]string{1: nil})
	seedCase(t, cases, issues, "TS-200-B", "B", now, map[int][]string{1: nil})
	seedCase(t, cases, issues, "TS-300-C", "C", now, map[int][]string{1: nil})

	// COSINE 下索引返回的就是相似度：近似重合 0.95，弱相关 0.10，反向 -0.2
	vec.issueHits = []*VectorHit{
		{ID: "TS-200-B-1", CaseID: "TS-200-B", Score: 0.10},
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.95},
		{ID: "TS-300-C-1", CaseID: "TS-300-C", Score: -0.2},
	}

	e := newTestEngine(vec, cases, issues, images, 0)
	set, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: ModeIssue})
	require.NoError(t, err)

	require.Len(t, set.Results, 3)
	// 高分命中必须排最前，不得被换算反转
	assert.Equal(t, "TS-100-A", set.Results[0].CaseID)
	assert.InDelta(t, 0.95, set.Results[0].RelevanceScore, 1e-9)
	assert.Equal(t, "TS-200-B", set.Results[1].CaseID)
	assert.InDelta(t, 0.10, set.Results[1].RelevanceScore, 1e-9)
	// 负相似度收敛到 0
	assert.Equal(t, "TS-300-C", set.Results[2].CaseID)
	assert.Equal(t, 0.0, set.Results[2].RelevanceScore)
}

func TestSearch_TieBreakByUpdatedAtThenCaseID(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	old := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seedCase(t, cases, issues, "TS-100-A", "A", old, map[int][]string{1: nil})
	seedCase(t, cases, issues, "TS-200-B", "B", fresh, map[int][]string{1: nil})
	seedCase(t, cases, issues, "TS-300-C", "C", fresh, map[int][]string{1: nil})

	vec.issueHits = []*VectorHit{
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.8},
		{ID: "TS-300-C-1", CaseID: "TS-300-C", Score: 0.8},
		{ID: "TS-200-B-1", CaseID: "TS-200-B", Score: 0.8},
	}

	e := newTestEngine(vec, cases, issues, images, 0)
	set, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: ModeIssue})
	require.NoError(t, err)

	require.Len(t, set.Results, 3)
	// 同分时新记录在前，再按 case_id 字典序
	assert.Equal(t, "TS-200-B", set.Results[0].CaseID)
	assert.Equal(t, "TS-300-C", set.Results[1].CaseID)
	assert.Equal(t, "TS-100-A", set.Results[2].CaseID)
}

func TestSearch_MissingRecordsAreSkipped(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	seedCase(t, cases, issues, "TS-100-A", "A", time.Now(), map[int][]string{1: nil})

	// 索引落后于记录库：第二条命中已无对应记录
	vec.issueHits = []*VectorHit{
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.9},
		{ID: "TS-999-Z-1", CaseID: "TS-999-Z", Score: 0.95},
	}

	e := newTestEngine(vec, cases, issues, images, 0)
	set, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: ModeIssue})
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	assert.Equal(t, "TS-100-A", set.Results[0].CaseID)
}

func TestSearch_TopKTruncatesAfterDedupe(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()
	now := time.Now()
	for _, id := range []string{"TS-100-A", "TS-200-B", "TS-300-C"} {
		seedCase(t, cases, issues, id, id[len(id)-1:], now, map[int][]string{1: nil})
	}
	vec.issueHits = []*VectorHit{
		{ID: "TS-100-A-1", CaseID: "TS-100-A", Score: 0.9},
		{ID: "TS-200-B-1", CaseID: "TS-200-B", Score: 0.8},
		{ID: "TS-300-C-1", CaseID: "TS-300-C", Score: 0.7},
	}

	e := newTestEngine(vec, cases, issues, images, 0)
	set, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: ModeIssue, TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, set.TotalFound)
	assert.Len(t, set.Results, 2)
}

func TestSearch_ErrorClassification(t *testing.T) {
	cases, issues, images := newFakeCaseRepo(), newFakeIssueRepo(), newFakeImageRepo()

	t.Run("index failure is not an empty result", func(t *testing.T) {
		vec := newFakeVectorIndex()
		vec.searchErr = errors.New("milvus connection refused")
		e := newTestEngine(vec, cases, issues, images, 0)
		_, err := e.Search(context.Background(), SearchInput{Query: "银纹"})
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	})

	t.Run("embedding failure", func(t *testing.T) {
		vec := newFakeVectorIndex()
		e := NewEngine(&fakeEmbedder{fail: errors.New("bge-m3 timeout")}, vec, cases, issues, NewImageResolver(images), 0)
		_, err := e.Search(context.Background(), SearchInput{Query: "银纹"})
		assert.ErrorIs(t, err, ErrEmbeddingService)
	})

	t.Run("blank query rejected", func(t *testing.T) {
		e := newTestEngine(newFakeVectorIndex(), cases, issues, images, 0)
		_, err := e.Search(context.Background(), SearchInput{Query: "   "})
		assert.Error(t, err)
	})

	t.Run("invalid mode rejected", func(t *testing.T) {
		e := newTestEngine(newFakeVectorIndex(), cases, issues, images, 0)
		_, err := e.Search(context.Background(), SearchInput{Query: "银纹", Mode: "fuzzy"})
		assert.Error(t, err)
	})

	t.Run("nil dependencies disable retrieval", func(t *testing.T) {
		e := NewEngine(nil, nil, cases, issues, NewImageResolver(images), 0)
		_, err := e.Search(context.Background(), SearchInput{Query: "银纹"})
		assert.ErrorIs(t, err, ErrVectorDisabled)
	})
}
