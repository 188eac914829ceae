package retrieval

import "fmt"

func issueIDOf(caseID string, issueNumber int) string {
	return fmt.Sprintf("%s-%d", caseID, issueNumber)
}

// SearchMode 检索模式
type SearchMode string

const (
	ModeIssue  SearchMode = "issue"
	ModeCase   SearchMode = "case"
	ModeHybrid SearchMode = "hybrid"
)

// ValidMode 检查检索模式取值
func ValidMode(m SearchMode) bool {
	switch m {
	case ModeIssue, ModeCase, ModeHybrid:
		return true
	}
	return false
}

// ResultType 结果变体标签
const (
	ResultTypeSpecificSolution = "specific_solution"
	ResultTypeFullCase         = "full_case"
)

// SearchFilters 检索过滤条件。
// PartNumber / DefectType 精确命中时参与加权（见 Engine.FilterBoost）。
type SearchFilters struct {
	PartNumber string `json:"part_number,omitempty"`
	DefectType string `json:"defect_type,omitempty"`

	// IncludeCaseAndIssues 显式允许同一案例的 full_case 与 specific_solution 并存
	IncludeCaseAndIssues bool `json:"include_case_and_issues,omitempty"`
}

// SearchInput 检索输入
type SearchInput struct {
	Query   string
	Mode    SearchMode
	TopK    int
	Filters SearchFilters
}

// ImageRef 结果中的图片引用，只携带元信息，不含二进制
type ImageRef struct {
	ImageID     string `json:"image_id"`
	ImageURL    string `json:"image_url"`
	Description string `json:"description,omitempty"`
	DefectType  string `json:"defect_type,omitempty"`
}

// SearchResult 只读检索结果投影，按 result_type 区分两种变体：
//   - specific_solution：完整 Issue 投影
//   - full_case：粗粒度 Case 投影
type SearchResult struct {
	ResultType     string  `json:"result_type"`
	CaseID         string  `json:"case_id"`
	PartNumber     string  `json:"part_number,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`

	// specific_solution 专属字段
	IssueNumber  int        `json:"issue_number,omitempty"`
	Problem      string     `json:"problem,omitempty"`
	Solution     string     `json:"solution,omitempty"`
	TrialVersion string     `json:"trial_version,omitempty"`
	ResultT1     string     `json:"result_t1,omitempty"`
	ResultT2     string     `json:"result_t2,omitempty"`
	Category     string     `json:"category,omitempty"`
	DefectTypes  []string   `json:"defect_types,omitempty"`
	HasImages    bool       `json:"has_images,omitempty"`
	ImageCount   int        `json:"image_count,omitempty"`
	Images       []ImageRef `json:"images,omitempty"`

	// full_case 专属字段
	MoldType    string `json:"mold_type,omitempty"`
	TotalIssues int    `json:"total_issues,omitempty"`
	Summary     string `json:"summary,omitempty"`

	// 降级标记（由 Budgeter 写入）
	ImagesOmitted     bool `json:"images_omitted,omitempty"`
	ProblemTruncated  bool `json:"problem_truncated,omitempty"`
	SolutionTruncated bool `json:"solution_truncated,omitempty"`
	SummaryTruncated  bool `json:"summary_truncated,omitempty"`

	// updatedAt 仅用于排序打平，不进入序列化输出
	updatedAt int64
}

// UnitID 结果单元的稳定标识：issue 结果为 issue_id，case 结果为 case_id
func (r *SearchResult) UnitID() string {
	if r.ResultType == ResultTypeSpecificSolution {
		return issueIDOf(r.CaseID, r.IssueNumber)
	}
	return r.CaseID
}

// SearchResultSet 一次检索的完整结果集
type SearchResultSet struct {
	Query      string          `json:"query"`
	Mode       SearchMode      `json:"search_mode"`
	TotalFound int             `json:"total_found"`
	Results    []*SearchResult `json:"results"`
}

// BoundedPayload 预算受限的最终载荷。任何截断层级下都必须是
// 结构完整、可自描述的数据，绝不是序列化串的盲目子串。
type BoundedPayload struct {
	Query         string          `json:"query"`
	SearchMode    SearchMode      `json:"search_mode"`
	TotalFound    int             `json:"total_found"`
	IncludedCount int             `json:"included_count"`
	OmittedCount  int             `json:"omitted_count"`
	Truncated     bool            `json:"truncated"`
	DegradedIDs   []string        `json:"degraded_ids,omitempty"`
	Results       []*SearchResult `json:"results"`

	// 预算小到连单个降级单元都放不下时的占位说明
	Reason           string `json:"reason,omitempty"`
	MinRequiredChars int    `json:"min_required_chars,omitempty"`
}
