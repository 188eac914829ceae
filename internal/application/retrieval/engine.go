package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
)

const (
	defaultTopK = 10
	maxTopK     = 50

	// defaultFilterBoost 过滤条件精确命中时的固定加权。
	// 取值需足够小以保证单调性：不改变原始分差大于该值的两个结果的相对顺序。
	defaultFilterBoost = 0.05
)

// Engine 双粒度检索引擎：一次向量化，case/issue 两个集合并行召回，合并排序去重。
type Engine struct {
	embedder Embedder
	vector   VectorIndex
	cases    repository.CaseRepository
	issues   repository.IssueRepository
	resolver *ImageResolver

	filterBoost float64
}

func NewEngine(embedder Embedder, vector VectorIndex, cases repository.CaseRepository, issues repository.IssueRepository, resolver *ImageResolver, filterBoost float64) *Engine {
	if filterBoost <= 0 {
		filterBoost = defaultFilterBoost
	}
	return &Engine{
		embedder:    embedder,
		vector:      vector,
		cases:       cases,
		issues:      issues,
		resolver:    resolver,
		filterBoost: filterBoost,
	}
}

func (e *Engine) Enabled() bool {
	return e != nil && e.embedder != nil && e.vector != nil
}

// Search 执行一次检索。
// 索引不可达时返回 ErrIndexUnavailable 而非空结果，调用方必须能
// 区分“无匹配”与“索引故障”。
func (e *Engine) Search(ctx context.Context, in SearchInput) (*SearchResultSet, error) {
	if !e.Enabled() {
		return nil, ErrVectorDisabled
	}

	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if in.Mode == "" {
		in.Mode = ModeHybrid
	}
	if !ValidMode(in.Mode) {
		return nil, fmt.Errorf("invalid mode: %s", in.Mode)
	}
	if in.TopK <= 0 {
		in.TopK = defaultTopK
	}
	if in.TopK > maxTopK {
		in.TopK = maxTopK
	}

	// 1) 向量化一次，两路召回复用
	emb, err := e.embedQuery(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}

	// 2) 按模式并行召回
	var issueHits, caseHits []*VectorHit
	g, gctx := errgroup.WithContext(ctx)

	if in.Mode == ModeIssue || in.Mode == ModeHybrid {
		g.Go(func() error {
			hits, err := e.vector.SearchIssues(gctx, &VectorSearchParams{
				QueryVector: emb,
				TopK:        in.TopK,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
			}
			issueHits = hits
			return nil
		})
	}
	if in.Mode == ModeCase || in.Mode == ModeHybrid {
		g.Go(func() error {
			hits, err := e.vector.SearchCases(gctx, &VectorSearchParams{
				QueryVector: emb,
				TopK:        in.TopK,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
			}
			caseHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 3) 记录库回表，组装两种投影
	results, err := e.hydrate(ctx, issueHits, caseHits)
	if err != nil {
		return nil, err
	}

	// 4) 过滤加权 → 排序 → 去重 → 截断
	e.applyFilterBoost(results, in.Filters)
	sortResults(results)
	results = dedupeResults(results, in.Filters.IncludeCaseAndIssues)

	set := &SearchResultSet{
		Query:      in.Query,
		Mode:       in.Mode,
		TotalFound: len(results),
	}
	if len(results) > in.TopK {
		results = results[:in.TopK]
	}
	set.Results = results
	return set, nil
}

// hydrate 用记录库内容填充命中的投影；命中但记录缺失的 ID 静默跳过
// （索引落后于记录库属于可恢复的不一致）。
func (e *Engine) hydrate(ctx context.Context, issueHits, caseHits []*VectorHit) ([]*SearchResult, error) {
	results := make([]*SearchResult, 0, len(issueHits)+len(caseHits))

	if len(issueHits) > 0 {
		ids := make([]string, 0, len(issueHits))
		for _, h := range issueHits {
			ids = append(ids, h.ID)
		}
		stored, err := e.issues.GetManyByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load issues: %w", err)
		}
		for _, h := range issueHits {
			is, ok := stored[h.ID]
			if !ok || is == nil {
				continue
			}
			e.resolver.Resolve(ctx, is)
			results = append(results, issueResult(is, similarity(h.Score)))
		}
	}

	if len(caseHits) > 0 {
		ids := make([]string, 0, len(caseHits))
		for _, h := range caseHits {
			ids = append(ids, h.ID)
		}
		stored, err := e.cases.GetManyByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load cases: %w", err)
		}
		for _, h := range caseHits {
			c, ok := stored[h.ID]
			if !ok || c == nil {
				continue
			}
			results = append(results, caseResult(c, similarity(h.Score)))
		}
	}

	return results, nil
}

func issueResult(is *entity.Issue, score float64) *SearchResult {
	r := &SearchResult{
		ResultType:     ResultTypeSpecificSolution,
		CaseID:         is.CaseID,
		RelevanceScore: score,
		IssueNumber:    is.IssueNumber,
		Problem:        is.Problem,
		Solution:       is.Solution,
		TrialVersion:   string(is.TrialVersion),
		ResultT1:       is.ResultT1,
		ResultT2:       is.ResultT2,
		Category:       is.Category,
		DefectTypes:    is.DefectTypes,
		HasImages:      is.HasImages,
		ImageCount:     is.ImageCount,
		updatedAt:      is.UpdatedAt.UnixMilli(),
	}
	for _, img := range is.Images {
		if img == nil {
			continue
		}
		r.Images = append(r.Images, ImageRef{
			ImageID:     img.ImageID,
			ImageURL:    img.ImageURL,
			Description: img.Description,
			DefectType:  img.DefectType,
		})
	}
	return r
}

func caseResult(c *entity.Case, score float64) *SearchResult {
	return &SearchResult{
		ResultType:     ResultTypeFullCase,
		CaseID:         c.CaseID,
		PartNumber:     c.PartNumber,
		RelevanceScore: score,
		MoldType:       c.MoldType,
		TotalIssues:    c.TotalIssues,
		Summary:        c.TextSummary,
		updatedAt:      c.UpdatedAt.UnixMilli(),
	}
}

// similarity 将 COSINE 命中分数收敛到 0..1 相关度。
// Milvus 对 COSINE 度量直接返回余弦相似度（越大越近），只需截断：
// 负值（反向向量）按 0 处理，浮点误差导致的 >1 封顶。
func similarity(score float32) float64 {
	s := float64(score)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// applyFilterBoost 过滤条件精确命中时加固定权重，封顶 1.0
func (e *Engine) applyFilterBoost(results []*SearchResult, filters SearchFilters) {
	part := strings.TrimSpace(filters.PartNumber)
	defect := strings.TrimSpace(filters.DefectType)
	if part == "" && defect == "" {
		return
	}

	for _, r := range results {
		matched := false
		// 问题级结果不携带 part_number，但 case_id 以零件号结尾
		if part != "" && (r.PartNumber == part || strings.HasSuffix(r.CaseID, "-"+part)) {
			matched = true
		}
		if defect != "" {
			for _, dt := range r.DefectTypes {
				if dt == defect {
					matched = true
					break
				}
			}
		}
		if matched {
			r.RelevanceScore += e.filterBoost
			if r.RelevanceScore > 1 {
				r.RelevanceScore = 1
			}
		}
	}
}

// sortResults 按相关度降序，打平依次按更新时间（新在前）、case_id 字典序
func sortResults(results []*SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.updatedAt != b.updatedAt {
			return a.updatedAt > b.updatedAt
		}
		return a.CaseID < b.CaseID
	})
}

// dedupeResults 同一案例同时出现 full_case 与 specific_solution 时只保留
// 排序更靠前的表示；includeBoth 显式放开该约束。
// 输入已排序，同一 issue 不会重复出现（向量主键唯一）。
func dedupeResults(results []*SearchResult, includeBoth bool) []*SearchResult {
	if includeBoth {
		return results
	}

	caseSeen := make(map[string]string, len(results))
	out := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		prev, ok := caseSeen[r.CaseID]
		if ok && prev != r.ResultType {
			// 排序更高的另一种表示已入选
			continue
		}
		caseSeen[r.CaseID] = r.ResultType
		out = append(out, r)
	}
	return out
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vecs[0], nil
}
