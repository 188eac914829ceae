package dto

import "moldcase-kb-api/internal/application/retrieval"

// SearchAndPackRequest search_and_pack 工具调用请求
type SearchAndPackRequest struct {
	Query       string         `json:"query" binding:"required"`
	Mode        string         `json:"mode"`
	TopK        int            `json:"top_k"`
	BudgetChars int            `json:"budget_chars"`
	Filters     *SearchFilters `json:"filters"`
}

// SearchRequest 原始检索请求（不经过预算打包，供调试与后台使用）
type SearchRequest struct {
	Query   string         `json:"query" binding:"required"`
	Mode    string         `json:"mode"`
	TopK    int            `json:"top_k"`
	Filters *SearchFilters `json:"filters"`
}

// SearchFilters 检索过滤条件
type SearchFilters struct {
	PartNumber           string `json:"part_number"`
	DefectType           string `json:"defect_type"`
	IncludeCaseAndIssues bool   `json:"include_case_and_issues"`
}

func (f *SearchFilters) ToApp() retrieval.SearchFilters {
	if f == nil {
		return retrieval.SearchFilters{}
	}
	return retrieval.SearchFilters{
		PartNumber:           f.PartNumber,
		DefectType:           f.DefectType,
		IncludeCaseAndIssues: f.IncludeCaseAndIssues,
	}
}

// IngestRequest 单条源记录入库请求
type IngestRequest struct {
	Record       *retrieval.SourceRecord `json:"record" binding:"required"`
	SkipExisting bool                    `json:"skip_existing"`
}

// BatchIngestRequest 目录批量入库请求
type BatchIngestRequest struct {
	Directory    string `json:"directory" binding:"required"`
	SkipExisting bool   `json:"skip_existing"`
}
