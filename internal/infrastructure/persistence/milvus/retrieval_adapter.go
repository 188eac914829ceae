package milvus

import (
	"context"

	"moldcase-kb-api/internal/application/retrieval"
)

// RetrievalVectorIndex 将 Milvus 仓储适配为应用层 VectorIndex port
type RetrievalVectorIndex struct {
	repo *Repository
}

func NewRetrievalVectorIndex(repo *Repository) *RetrievalVectorIndex {
	return &RetrievalVectorIndex{repo: repo}
}

var _ retrieval.VectorIndex = (*RetrievalVectorIndex)(nil)

func (r *RetrievalVectorIndex) EnsureCollections(ctx context.Context) error {
	if r == nil || r.repo == nil {
		return retrieval.ErrVectorDisabled
	}
	return r.repo.EnsureCollections(ctx)
}

func (r *RetrievalVectorIndex) SearchCases(ctx context.Context, params *retrieval.VectorSearchParams) ([]*retrieval.VectorHit, error) {
	if r == nil || r.repo == nil {
		return nil, retrieval.ErrVectorDisabled
	}
	if params == nil {
		return nil, nil
	}

	out, err := r.repo.SearchCases(ctx, &SearchParams{
		QueryVector: params.QueryVector,
		TopK:        params.TopK,
		PartNumber:  params.PartNumber,
		MoldType:    params.MoldType,
	})
	if err != nil {
		return nil, err
	}
	return toHits(out, true), nil
}

func (r *RetrievalVectorIndex) SearchIssues(ctx context.Context, params *retrieval.VectorSearchParams) ([]*retrieval.VectorHit, error) {
	if r == nil || r.repo == nil {
		return nil, retrieval.ErrVectorDisabled
	}
	if params == nil {
		return nil, nil
	}

	out, err := r.repo.SearchIssues(ctx, &SearchParams{
		QueryVector: params.QueryVector,
		TopK:        params.TopK,
		PartNumber:  params.PartNumber,
		Category:    params.Category,
	})
	if err != nil {
		return nil, err
	}
	return toHits(out, false), nil
}

func toHits(out []*SearchHit, isCase bool) []*retrieval.VectorHit {
	hits := make([]*retrieval.VectorHit, 0, len(out))
	for i := range out {
		v := out[i]
		if v == nil {
			continue
		}
		caseID := v.CaseID
		if isCase {
			// 案例集合的主键即 case_id
			caseID = v.ID
		}
		hits = append(hits, &retrieval.VectorHit{
			ID:        v.ID,
			Score:     v.Score,
			CaseID:    caseID,
			UpdatedAt: v.UpdatedAt,
		})
	}
	return hits
}

func (r *RetrievalVectorIndex) UpsertCaseVector(ctx context.Context, rec *retrieval.CaseVectorRecord) error {
	if r == nil || r.repo == nil {
		return retrieval.ErrVectorDisabled
	}
	if rec == nil {
		return nil
	}
	return r.repo.UpsertCaseVector(ctx, &CaseVector{
		ID:          rec.ID,
		Vector:      rec.Vector,
		PartNumber:  rec.PartNumber,
		MoldType:    rec.MoldType,
		UpdatedAt:   rec.UpdatedAt,
		TextContent: rec.TextContent,
	})
}

func (r *RetrievalVectorIndex) UpsertIssueVectors(ctx context.Context, caseID string, recs []*retrieval.IssueVectorRecord) error {
	if r == nil || r.repo == nil {
		return retrieval.ErrVectorDisabled
	}

	out := make([]*IssueVector, 0, len(recs))
	for i := range recs {
		v := recs[i]
		if v == nil {
			continue
		}
		out = append(out, &IssueVector{
			ID:          v.ID,
			Vector:      v.Vector,
			CaseID:      v.CaseID,
			PartNumber:  v.PartNumber,
			Category:    v.Category,
			UpdatedAt:   v.UpdatedAt,
			TextContent: v.TextContent,
		})
	}
	return r.repo.UpsertIssueVectors(ctx, caseID, out)
}

func (r *RetrievalVectorIndex) DeleteCase(ctx context.Context, caseID string) error {
	if r == nil || r.repo == nil {
		return retrieval.ErrVectorDisabled
	}
	return r.repo.DeleteCase(ctx, caseID)
}
