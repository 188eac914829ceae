package retrieval

import "context"

// PayloadCache 打包结果的短缓存（port）。缓存是纯优化：
// 实现方失败时返回未命中/忽略写入，绝不让缓存故障影响调用。
type PayloadCache interface {
	GetPayload(ctx context.Context, req *ToolRequest) (*BoundedPayload, bool)
	SetPayload(ctx context.Context, req *ToolRequest, payload *BoundedPayload)
}

// CacheInvalidator 案例数据变更后的缓存失效（port）
type CacheInvalidator interface {
	InvalidateCase(ctx context.Context, caseID string) error
}

// Embedder 定义应用层对向量化服务的最小依赖（port）。
// 实现方负责超时与有限重试；失败时返回错误而非空向量。
type Embedder interface {
	EmbedStrings(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex 定义应用层对两个向量集合（case_index / issue_index）的最小依赖（port）。
// 由基础设施层提供具体实现（例如 Milvus）。
type VectorIndex interface {
	EnsureCollections(ctx context.Context) error
	SearchCases(ctx context.Context, params *VectorSearchParams) ([]*VectorHit, error)
	SearchIssues(ctx context.Context, params *VectorSearchParams) ([]*VectorHit, error)
	UpsertCaseVector(ctx context.Context, rec *CaseVectorRecord) error
	UpsertIssueVectors(ctx context.Context, caseID string, recs []*IssueVectorRecord) error
	DeleteCase(ctx context.Context, caseID string) error
}

type VectorSearchParams struct {
	QueryVector []float32
	TopK        int
	PartNumber  string
	MoldType    string
	Category    string
}

// VectorHit 单条向量命中。Score 为 Milvus 按 COSINE 度量返回的
// 原始相似度（越大越近），由 Engine 统一收敛到 0..1。
type VectorHit struct {
	ID        string
	Score     float32
	CaseID    string
	UpdatedAt int64
}

type CaseVectorRecord struct {
	ID          string
	Vector      []float32
	PartNumber  string
	MoldType    string
	UpdatedAt   int64
	TextContent string
}

type IssueVectorRecord struct {
	ID          string
	Vector      []float32
	CaseID      string
	PartNumber  string
	Category    string
	UpdatedAt   int64
	TextContent string
}
