package retrieval

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"moldcase-kb-api/pkg/metrics"
)

// Budgeter 结构保持的预算受限序列化器。
// 核心不变量：任何预算下输出都是单元级结构完整的 JSON，
// 绝不对最终序列化串做定长切割。纯计算，无 I/O。
type Budgeter struct {
	defaultBudget int
}

func NewBudgeter(defaultBudget int) *Budgeter {
	if defaultBudget <= 0 {
		defaultBudget = 6000
	}
	return &Budgeter{defaultBudget: defaultBudget}
}

// BudgetTooSmallReason 步骤 4 占位载荷的固定说明
const BudgetTooSmallReason = "budget_too_small"

// Pack 将排序后的结果集打包为不超过 budgetChars 字符的载荷。
// 结构优先降级，按序：整单元贪心装填 → 首个单元字段降级（去图 →
// 截长文 → 去可选数组）→ 占位对象。每一步之后都重新量测。
func (b *Budgeter) Pack(set *SearchResultSet, budgetChars int) *BoundedPayload {
	if budgetChars <= 0 {
		budgetChars = b.defaultBudget
	}
	if set == nil {
		set = &SearchResultSet{}
	}

	payload := &BoundedPayload{
		Query:      set.Query,
		SearchMode: set.Mode,
		TotalFound: set.TotalFound,
		Results:    []*SearchResult{},

		// 量测阶段先填入位数不小于终值的悲观占位，
		// 保证最终回填元信息后载荷只会变小不会超预算
		IncludedCount: set.TotalFound,
		OmittedCount:  set.TotalFound,
	}

	// 1+2) 整单元贪心装填，按排名顺序
	for _, r := range set.Results {
		payload.Results = append(payload.Results, r)
		if measure(payload) > budgetChars {
			payload.Results = payload.Results[:len(payload.Results)-1]
			break
		}
	}

	// 3) 一个都放不下时，对排名最高的单元做字段降级
	if len(payload.Results) == 0 && len(set.Results) > 0 {
		degraded, fits := b.degradeUnit(payload, set.Results[0], budgetChars)
		if fits {
			payload.Results = []*SearchResult{degraded}
			payload.DegradedIDs = []string{degraded.UnitID()}
		} else {
			// 4) 完全降级后仍超预算：显式占位，绝不返回无解释的空数组
			payload.Results = []*SearchResult{}
			payload.Reason = BudgetTooSmallReason
			payload.MinRequiredChars = minRequired(payload, degraded)
		}
	}

	// 5) 元信息
	payload.IncludedCount = len(payload.Results)
	payload.OmittedCount = set.TotalFound - payload.IncludedCount
	if payload.OmittedCount < 0 {
		payload.OmittedCount = 0
	}
	payload.Truncated = payload.OmittedCount > 0 || len(payload.DegradedIDs) > 0

	size := measure(payload)
	metrics.PackPayloadSize.Observe(float64(size))
	metrics.PackTotal.WithLabelValues(packOutcome(payload)).Inc()
	return payload
}

func packOutcome(p *BoundedPayload) string {
	switch {
	case p.Reason == BudgetTooSmallReason:
		return "budget_too_small"
	case len(p.DegradedIDs) > 0:
		return "degraded"
	case p.Truncated:
		return "truncated"
	default:
		return "full"
	}
}

// degradeUnit 对单个结果单元按固定优先级降级，直到装入预算或无可再降。
// 返回降级后的副本与是否已可装入。
func (b *Budgeter) degradeUnit(payload *BoundedPayload, r *SearchResult, budgetChars int) (*SearchResult, bool) {
	unit := cloneResult(r)

	fits := func() bool {
		payload.Results = []*SearchResult{unit}
		payload.DegradedIDs = []string{unit.UnitID()}
		ok := measure(payload) <= budgetChars
		payload.Results = payload.Results[:0]
		payload.DegradedIDs = nil
		return ok
	}

	// (a) 去掉图片数组，保留计数并打 images_omitted 标记
	if len(unit.Images) > 0 {
		unit.Images = nil
		unit.ImagesOmitted = true
		if fits() {
			return unit, true
		}
	}

	// (b) 在句子/空白边界截断长文本字段，从不切断词中
	overshoot := func() int {
		payload.Results = []*SearchResult{unit}
		payload.DegradedIDs = []string{unit.UnitID()}
		n := measure(payload) - budgetChars
		payload.Results = payload.Results[:0]
		payload.DegradedIDs = nil
		return n
	}
	for _, field := range []struct {
		get func() string
		set func(string)
	}{
		{func() string { return unit.Solution }, func(s string) { unit.Solution = s; unit.SolutionTruncated = true }},
		{func() string { return unit.Problem }, func(s string) { unit.Problem = s; unit.ProblemTruncated = true }},
		{func() string { return unit.Summary }, func(s string) { unit.Summary = s; unit.SummaryTruncated = true }},
	} {
		over := overshoot()
		if over <= 0 {
			return unit, true
		}
		text := field.get()
		if text == "" {
			continue
		}
		target := len(text) - over - 32 // 预留标记字段与转义的余量
		if target < 0 {
			target = 0
		}
		cut := truncateAtBoundary(text, target)
		if cut == text {
			continue
		}
		field.set(cut)
		if fits() {
			return unit, true
		}
	}

	// (c) 去掉可选分类数组与试模结果
	unit.DefectTypes = nil
	unit.ResultT1 = ""
	unit.ResultT2 = ""
	if fits() {
		return unit, true
	}

	return unit, false
}

// minRequired 量测完全降级后的单元装入载荷所需的最小字符数
func minRequired(payload *BoundedPayload, degraded *SearchResult) int {
	payload.Results = []*SearchResult{degraded}
	n := measure(payload)
	payload.Results = []*SearchResult{}
	return n
}

// measure 精确量测载荷当前的序列化字符数
func measure(p *BoundedPayload) int {
	raw, err := json.Marshal(p)
	if err != nil {
		// 载荷内只有基础类型，理论上不可达
		return int(^uint(0) >> 1)
	}
	return len(raw)
}

func cloneResult(r *SearchResult) *SearchResult {
	c := *r
	if len(r.Images) > 0 {
		c.Images = append([]ImageRef(nil), r.Images...)
	}
	if len(r.DefectTypes) > 0 {
		c.DefectTypes = append([]string(nil), r.DefectTypes...)
	}
	return &c
}

var sentenceEnd = map[rune]bool{
	'。': true, '！': true, '？': true, '；': true,
	'.': true, '!': true, '?': true, ';': true, '\n': true,
}

// truncateAtBoundary 在不超过 limit 字节的前提下，优先在句子边界截断，
// 其次在空白处，最后退到字符（rune）边界，绝不切断多字节字符。
func truncateAtBoundary(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}

	// 回退到合法的 rune 边界
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]

	// 句子边界优先
	lastSentence := -1
	lastSpace := -1
	for idx, r := range head {
		if sentenceEnd[r] {
			lastSentence = idx + utf8.RuneLen(r)
		}
		if unicode.IsSpace(r) {
			lastSpace = idx
		}
	}
	if lastSentence > 0 {
		return strings.TrimSpace(head[:lastSentence])
	}
	if lastSpace > 0 {
		return strings.TrimSpace(head[:lastSpace])
	}
	return strings.TrimSpace(head)
}
