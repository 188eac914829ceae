// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"moldcase-kb-api/pkg/metrics"
)

// Repository 向量检索仓储，统一管理 case_index / issue_index 两个集合
type Repository struct {
	client *Client
	dim    int
}

// NewRepository 创建向量检索仓储
func NewRepository(client *Client, dim int) *Repository {
	if dim <= 0 {
		dim = DefaultVectorDimension
	}
	return &Repository{client: client, dim: dim}
}

// SearchParams 检索参数
type SearchParams struct {
	QueryVector []float32
	TopK        int
	PartNumber  string
	MoldType    string
	Category    string
}

// SearchHit 检索命中项
type SearchHit struct {
	ID          string
	Score       float32
	CaseID      string
	PartNumber  string
	Category    string
	MoldType    string
	UpdatedAt   int64
	TextContent string
}

// CreateCollection 创建集合
func (r *Repository) CreateCollection(ctx context.Context, schema *entity.Schema) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateCollection",
		trace.WithAttributes(attribute.String("collection", schema.CollectionName)))
	defer span.End()

	collName := r.client.CollectionName(schema.CollectionName)
	schema.CollectionName = collName

	err := r.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// CreateIndex 创建 HNSW 索引
func (r *Repository) CreateIndex(ctx context.Context, collection string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	collName := r.client.CollectionName(collection)

	idx, err := entity.NewIndexHNSW(
		entity.COSINE,
		r.client.config.HNSWM,
		r.client.config.HNSWEfConstruction,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// SearchCases 在案例索引中检索
func (r *Repository) SearchCases(ctx context.Context, params *SearchParams) ([]*SearchHit, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchCases",
		trace.WithAttributes(attribute.Int("top_k", params.TopK)))
	defer span.End()

	var conds []string
	if pn := strings.TrimSpace(params.PartNumber); pn != "" {
		conds = append(conds, fmt.Sprintf(`part_number == "%s"`, pn))
	}
	if mt := strings.TrimSpace(params.MoldType); mt != "" {
		conds = append(conds, fmt.Sprintf(`mold_type == "%s"`, mt))
	}

	hits, err := r.search(ctx, CollectionCaseIndex, params.QueryVector, params.TopK,
		strings.Join(conds, " && "),
		[]string{"id", "part_number", "mold_type", "updated_at", "text_content"})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(hits)))
	return hits, nil
}

// SearchIssues 在问题索引中检索
func (r *Repository) SearchIssues(ctx context.Context, params *SearchParams) ([]*SearchHit, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchIssues",
		trace.WithAttributes(attribute.Int("top_k", params.TopK)))
	defer span.End()

	var conds []string
	if pn := strings.TrimSpace(params.PartNumber); pn != "" {
		conds = append(conds, fmt.Sprintf(`part_number == "%s"`, pn))
	}
	if cat := strings.TrimSpace(params.Category); cat != "" {
		conds = append(conds, fmt.Sprintf(`category == "%s"`, cat))
	}

	hits, err := r.search(ctx, CollectionIssueIndex, params.QueryVector, params.TopK,
		strings.Join(conds, " && "),
		[]string{"id", "case_id", "part_number", "category", "updated_at", "text_content"})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(hits)))
	return hits, nil
}

// search 执行单集合向量检索并解析命中列
func (r *Repository) search(ctx context.Context, collection string, vector []float32, topK int, filter string, outputFields []string) ([]*SearchHit, error) {
	collName := r.client.CollectionName(collection)

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	start := time.Now()
	results, err := r.client.milvus.Search(ctx,
		collName,
		nil,
		filter,
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		"vector",
		entity.COSINE,
		topK,
		sp,
	)
	metrics.VectorSearchDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.VectorSearchTotal.WithLabelValues(collection, "error").Inc()
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	metrics.VectorSearchTotal.WithLabelValues(collection, "success").Inc()

	var hits []*SearchHit
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			hit := &SearchHit{
				Score: result.Scores[i],
			}

			if idCol, ok := result.Fields.GetColumn("id").(*entity.ColumnVarChar); ok {
				hit.ID = idCol.Data()[i]
			}
			if caseCol, ok := result.Fields.GetColumn("case_id").(*entity.ColumnVarChar); ok {
				hit.CaseID = caseCol.Data()[i]
			}
			if partCol, ok := result.Fields.GetColumn("part_number").(*entity.ColumnVarChar); ok {
				hit.PartNumber = partCol.Data()[i]
			}
			if moldCol, ok := result.Fields.GetColumn("mold_type").(*entity.ColumnVarChar); ok {
				hit.MoldType = moldCol.Data()[i]
			}
			if catCol, ok := result.Fields.GetColumn("category").(*entity.ColumnVarChar); ok {
				hit.Category = catCol.Data()[i]
			}
			if timeCol, ok := result.Fields.GetColumn("updated_at").(*entity.ColumnInt64); ok {
				hit.UpdatedAt = timeCol.Data()[i]
			}
			if textCol, ok := result.Fields.GetColumn("text_content").(*entity.ColumnVarChar); ok {
				hit.TextContent = textCol.Data()[i]
			}

			hits = append(hits, hit)
		}
	}

	return hits, nil
}

// UpsertCaseVector 写入案例向量（先删后插，保证同 ID 幂等）
func (r *Repository) UpsertCaseVector(ctx context.Context, vec *CaseVector) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.UpsertCaseVector",
		trace.WithAttributes(attribute.String("case_id", vec.ID)))
	defer span.End()

	collName := r.client.CollectionName(CollectionCaseIndex)

	if err := r.client.milvus.Delete(ctx, collName, "", fmt.Sprintf(`id == "%s"`, vec.ID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete stale case vector: %w", err)
	}

	idCol := entity.NewColumnVarChar("id", []string{vec.ID})
	vectorCol := entity.NewColumnFloatVector("vector", r.dim, [][]float32{vec.Vector})
	partCol := entity.NewColumnVarChar("part_number", []string{vec.PartNumber})
	moldCol := entity.NewColumnVarChar("mold_type", []string{vec.MoldType})
	timeCol := entity.NewColumnInt64("updated_at", []int64{vec.UpdatedAt})
	textCol := entity.NewColumnVarChar("text_content", []string{vec.TextContent})

	if _, err := r.client.milvus.Insert(ctx, collName, "",
		idCol, vectorCol, partCol, moldCol, timeCol, textCol); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert case vector: %w", err)
	}

	return nil
}

// UpsertIssueVectors 批量写入问题向量，写入前删除该案例下的全部旧向量。
// 先删后插保证问题数变化（删除、重排）后索引不残留脏数据。
func (r *Repository) UpsertIssueVectors(ctx context.Context, caseID string, vecs []*IssueVector) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.UpsertIssueVectors",
		trace.WithAttributes(
			attribute.String("case_id", caseID),
			attribute.Int("count", len(vecs)),
		))
	defer span.End()

	collName := r.client.CollectionName(CollectionIssueIndex)

	if err := r.client.milvus.Delete(ctx, collName, "", fmt.Sprintf(`case_id == "%s"`, caseID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete stale issue vectors: %w", err)
	}

	if len(vecs) == 0 {
		return nil
	}

	ids := make([]string, len(vecs))
	vectors := make([][]float32, len(vecs))
	caseIDs := make([]string, len(vecs))
	partNumbers := make([]string, len(vecs))
	categories := make([]string, len(vecs))
	updatedAts := make([]int64, len(vecs))
	textContents := make([]string, len(vecs))

	for i, v := range vecs {
		ids[i] = v.ID
		vectors[i] = v.Vector
		caseIDs[i] = v.CaseID
		partNumbers[i] = v.PartNumber
		categories[i] = v.Category
		updatedAts[i] = v.UpdatedAt
		textContents[i] = v.TextContent
	}

	idCol := entity.NewColumnVarChar("id", ids)
	vectorCol := entity.NewColumnFloatVector("vector", r.dim, vectors)
	caseCol := entity.NewColumnVarChar("case_id", caseIDs)
	partCol := entity.NewColumnVarChar("part_number", partNumbers)
	catCol := entity.NewColumnVarChar("category", categories)
	timeCol := entity.NewColumnInt64("updated_at", updatedAts)
	textCol := entity.NewColumnVarChar("text_content", textContents)

	if _, err := r.client.milvus.Insert(ctx, collName, "",
		idCol, vectorCol, caseCol, partCol, catCol, timeCol, textCol); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert issue vectors: %w", err)
	}

	return nil
}

// DeleteCase 删除一条案例在两个集合中的全部向量
func (r *Repository) DeleteCase(ctx context.Context, caseID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "milvus.DeleteCase",
		trace.WithAttributes(attribute.String("case_id", caseID)))
	defer span.End()

	caseColl := r.client.CollectionName(CollectionCaseIndex)
	if err := r.client.milvus.Delete(ctx, caseColl, "", fmt.Sprintf(`id == "%s"`, caseID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete case vector: %w", err)
	}

	issueColl := r.client.CollectionName(CollectionIssueIndex)
	if err := r.client.milvus.Delete(ctx, issueColl, "", fmt.Sprintf(`case_id == "%s"`, caseID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete issue vectors: %w", err)
	}

	return nil
}

// RebuildIndex 重建索引
func (r *Repository) RebuildIndex(ctx context.Context, collection string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.RebuildIndex",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	collName := r.client.CollectionName(collection)

	// 1. 释放集合
	if err := r.client.milvus.ReleaseCollection(ctx, collName); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to release collection: %w", err)
	}

	// 2. 删除旧索引
	if err := r.client.milvus.DropIndex(ctx, collName, "vector"); err != nil {
		// 忽略索引不存在的错误
	}

	// 3. 创建新索引
	if err := r.CreateIndex(ctx, collection); err != nil {
		return err
	}

	// 4. 重新加载集合
	return r.client.milvus.LoadCollection(ctx, collName, false)
}

// EnsureCollections 确保两个索引集合与索引可用（不存在则创建）。
// 约束：不会做 drop/rebuild 等破坏性操作。
func (r *Repository) EnsureCollections(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}

	for name, schema := range map[string]*entity.Schema{
		CollectionCaseIndex:  CaseIndexSchema(r.dim),
		CollectionIssueIndex: IssueIndexSchema(r.dim),
	} {
		exists, err := r.client.HasCollection(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			if err := r.CreateCollection(ctx, schema); err != nil {
				return err
			}
			// 新建集合时创建索引；若失败，允许后续由运维介入。
			_ = r.CreateIndex(ctx, name)
		}

		// 尝试确保集合已加载（若已加载，Milvus 会返回成功）
		if err := r.client.LoadCollection(ctx, name); err != nil {
			return err
		}
	}

	return nil
}
