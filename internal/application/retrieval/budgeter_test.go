package retrieval

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeIssueUnit(caseID string, n int, solutionLen, imageCount int) *SearchResult {
	r := &SearchResult{
		ResultType:     ResultTypeSpecificSolution,
		CaseID:         caseID,
		RelevanceScore: 0.9,
		IssueNumber:    n,
		Problem:        "产品表面出现银纹，浇口附近最明显。",
		Solution:       strings.Repeat("提高模温并降低注射速度。", solutionLen),
		TrialVersion:   "T1",
		Category:       "外观不良",
		DefectTypes:    []string{"银纹", "流痕"},
		HasImages:      imageCount > 0,
		ImageCount:     imageCount,
	}
	for i := 1; i <= imageCount; i++ {
		r.Images = append(r.Images, ImageRef{
			ImageID:     fmt.Sprintf("%s-%d-img-%d", caseID, n, i),
			ImageURL:    fmt.Sprintf("https://img.example.com/%s/%d/%d.jpg", caseID, n, i),
			Description: "浇口附近的银纹照片，光照角度 45 度",
			DefectType:  "银纹",
		})
	}
	return r
}

func makeResultSet(units ...*SearchResult) *SearchResultSet {
	return &SearchResultSet{
		Query:      "银纹怎么处理",
		Mode:       ModeHybrid,
		TotalFound: len(units),
		Results:    units,
	}
}

func TestPack_FullReproductionUnderAmpleBudget(t *testing.T) {
	b := NewBudgeter(0)
	set := makeResultSet(
		makeIssueUnit("TS-1947688-ED736A0501", 1, 3, 2),
		makeIssueUnit("TS-1947688-ED736A0501", 2, 2, 0),
	)

	payload := b.Pack(set, 100000)

	assert.False(t, payload.Truncated)
	assert.Equal(t, 2, payload.IncludedCount)
	assert.Equal(t, 0, payload.OmittedCount)
	assert.Empty(t, payload.DegradedIDs)
	assert.Empty(t, payload.Reason)
	require.Len(t, payload.Results, 2)
	// 整单元原样进入载荷，无任何字段降级
	assert.Equal(t, set.Results[0].Solution, payload.Results[0].Solution)
	assert.Len(t, payload.Results[0].Images, 2)
	assert.False(t, payload.Results[0].ImagesOmitted)
}

func TestPack_DropsWholeUnitsInRankOrder(t *testing.T) {
	b := NewBudgeter(0)
	units := []*SearchResult{
		makeIssueUnit("TS-100-A", 1, 2, 0),
		makeIssueUnit("TS-200-B", 1, 2, 0),
		makeIssueUnit("TS-300-C", 1, 2, 0),
	}
	set := makeResultSet(units...)

	full := measure(b.Pack(set, 100000))
	// 预算只够前两个单元
	payload := b.Pack(set, full*2/3)

	require.NotEmpty(t, payload.Results)
	assert.Less(t, len(payload.Results), 3)
	assert.True(t, payload.Truncated)
	// 保留的是排名靠前的单元
	assert.Equal(t, "TS-100-A", payload.Results[0].CaseID)
	assert.Equal(t, payload.IncludedCount+payload.OmittedCount, set.TotalFound)
}

func TestPack_DegradesImagesBeforeText(t *testing.T) {
	b := NewBudgeter(0)
	unit := makeIssueUnit("TS-1947688-ED736A0501", 1, 4, 3)
	set := makeResultSet(unit)

	bare := cloneResult(unit)
	bare.Images = nil
	bare.ImagesOmitted = true
	budget := measure(&BoundedPayload{
		Query:         set.Query,
		SearchMode:    set.Mode,
		TotalFound:    1,
		IncludedCount: 1,
		DegradedIDs:   []string{bare.UnitID()},
		Results:       []*SearchResult{bare},
	}) + 16

	payload := b.Pack(set, budget)

	require.Len(t, payload.Results, 1)
	got := payload.Results[0]
	assert.Empty(t, got.Images)
	assert.True(t, got.ImagesOmitted)
	// 图片降级已足够，长文本字段保持完整
	assert.Equal(t, unit.Solution, got.Solution)
	assert.False(t, got.SolutionTruncated)
	assert.Equal(t, []string{got.UnitID()}, payload.DegradedIDs)
	assert.True(t, payload.Truncated)
	// 原结果集不受降级影响
	assert.Len(t, unit.Images, 3)
	assert.False(t, unit.ImagesOmitted)
}

func TestPack_TruncatesLongTextAtBoundary(t *testing.T) {
	b := NewBudgeter(0)
	unit := makeIssueUnit("TS-1947688-ED736A0501", 1, 60, 3)
	set := makeResultSet(unit)

	payload := b.Pack(set, 1500)

	require.Len(t, payload.Results, 1)
	got := payload.Results[0]
	assert.True(t, got.ImagesOmitted)
	assert.True(t, got.SolutionTruncated)
	assert.Less(t, len(got.Solution), len(unit.Solution))
	// 截断后仍是完整句子的结尾
	assert.True(t, strings.HasSuffix(got.Solution, "。"),
		"solution should end at a sentence boundary, got tail %q", got.Solution[max(0, len(got.Solution)-12):])
	assert.True(t, utf8.ValidString(got.Solution))
	assert.LessOrEqual(t, measure(payload), 1500)
}

func TestPack_PlaceholderWhenBudgetTooSmall(t *testing.T) {
	b := NewBudgeter(0)
	set := makeResultSet(makeIssueUnit("TS-1947688-ED736A0501", 1, 10, 3))

	payload := b.Pack(set, 50)

	assert.Empty(t, payload.Results)
	assert.Equal(t, BudgetTooSmallReason, payload.Reason)
	assert.Greater(t, payload.MinRequiredChars, 50)
	assert.Equal(t, 1, payload.TotalFound)
	assert.Equal(t, 0, payload.IncludedCount)
	assert.Equal(t, 1, payload.OmittedCount)

	// 占位载荷依然是结构完整的 JSON
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, BudgetTooSmallReason, decoded["reason"])
}

func TestPack_AlwaysValidJSONAndWithinBudget(t *testing.T) {
	b := NewBudgeter(0)
	set := makeResultSet(
		makeIssueUnit("TS-1947688-ED736A0501", 1, 8, 3),
		makeIssueUnit("TS-1947688-ED736A0501", 2, 3, 1),
		makeIssueUnit("TS-2020300-AB120C0001", 1, 20, 0),
		&SearchResult{
			ResultType:     ResultTypeFullCase,
			CaseID:         "TS-2020300-AB120C0001",
			PartNumber:     "AB120C0001",
			RelevanceScore: 0.7,
			MoldType:       "两板模",
			TotalIssues:    5,
			Summary:        strings.Repeat("模具排气不良导致烧焦，加开排气槽后改善。", 12),
		},
	)

	for budget := 60; budget <= 6000; budget += 97 {
		payload := b.Pack(set, budget)

		raw, err := json.Marshal(payload)
		require.NoError(t, err, "budget=%d", budget)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded), "budget=%d", budget)

		assert.Equal(t, set.TotalFound, payload.IncludedCount+payload.OmittedCount, "budget=%d", budget)
		if payload.Reason == "" {
			assert.LessOrEqual(t, len(raw), budget, "budget=%d", budget)
		}
	}
}

func TestPack_EmptyResultSet(t *testing.T) {
	b := NewBudgeter(0)
	payload := b.Pack(makeResultSet(), 500)

	assert.Empty(t, payload.Results)
	assert.False(t, payload.Truncated)
	assert.Empty(t, payload.Reason)
	assert.Equal(t, 0, payload.OmittedCount)
}

func TestTruncateAtBoundary(t *testing.T) {
	t.Run("prefers sentence end", func(t *testing.T) {
		text := "先提高模温。再降低注射速度，观察流痕变化"
		got := truncateAtBoundary(text, len(text)-6)
		assert.Equal(t, "先提高模温。", got)
	})

	t.Run("falls back to whitespace", func(t *testing.T) {
		text := "raise mold temperature then reduce injection speed"
		got := truncateAtBoundary(text, 30)
		assert.LessOrEqual(t, len(got), 30)
		assert.False(t, strings.HasSuffix(got, " "))
		// 不在词中间截断：截断点之后必然是一个空格
		require.True(t, strings.HasPrefix(text, got))
		assert.Equal(t, byte(' '), text[len(got)])
	})

	t.Run("never splits a rune", func(t *testing.T) {
		text := strings.Repeat("模", 40)
		for limit := 0; limit <= len(text); limit++ {
			got := truncateAtBoundary(text, limit)
			assert.True(t, utf8.ValidString(got), "limit=%d", limit)
			assert.LessOrEqual(t, len(got), limit)
		}
	})

	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "短文本", truncateAtBoundary("短文本", 100))
	})
}
