package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
	"moldcase-kb-api/pkg/logger"
	"moldcase-kb-api/pkg/metrics"
)

const (
	defaultEmbeddingBatch    = 32
	defaultIngestConcurrency = 4
)

// Indexer 负责源记录入库：解析 → 幂等落库 → 双粒度向量写入。
type Indexer struct {
	embedder Embedder
	vector   VectorIndex
	cases    repository.CaseRepository
	issues   repository.IssueRepository
	tx       repository.Transactor

	embeddingBatchSize int
	concurrency        int
	invalidator        CacheInvalidator

	// 同一 case_id 的并发重复入库按案例粒度串行化，避免重复向量化
	inflight sync.Map
}

func NewIndexer(embedder Embedder, vector VectorIndex, cases repository.CaseRepository, issues repository.IssueRepository, tx repository.Transactor, embeddingBatchSize, concurrency int) *Indexer {
	if embeddingBatchSize <= 0 {
		embeddingBatchSize = defaultEmbeddingBatch
	}
	if concurrency <= 0 {
		concurrency = defaultIngestConcurrency
	}
	return &Indexer{
		embedder:           embedder,
		vector:             vector,
		cases:              cases,
		issues:             issues,
		tx:                 tx,
		embeddingBatchSize: embeddingBatchSize,
		concurrency:        concurrency,
	}
}

// IngestResult 单条源记录的入库结果
type IngestResult struct {
	CaseID        string   `json:"case_id"`
	IssuesIndexed int      `json:"issues_indexed"`
	Skipped       bool     `json:"skipped,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// BatchIngestResult 批量入库结果
type BatchIngestResult struct {
	IndexedCount int      `json:"indexed_count"`
	SkippedCount int      `json:"skipped_count"`
	Errors       []string `json:"errors,omitempty"`
}

// SetCacheInvalidator 启用入库后的缓存失效。案例内容变化后，
// 既有的打包结果可能失真，失效是尽力而为，失败只记日志。
func (i *Indexer) SetCacheInvalidator(inv CacheInvalidator) {
	i.invalidator = inv
}

func (i *Indexer) Enabled() bool {
	return i != nil && i.embedder != nil && i.vector != nil
}

func (i *Indexer) ensureReady(ctx context.Context) error {
	if i == nil || i.vector == nil {
		return ErrVectorDisabled
	}
	return i.vector.EnsureCollections(ctx)
}

// Ingest 入库一条源记录。
// 幂等：同一 case_id 重复入库只做更新，内容未变化且 skipExisting=true 时短路。
// 失败顺序约定：记录先落库，向量化失败时记录保持完整，由调用方重试。
func (i *Indexer) Ingest(ctx context.Context, rec *SourceRecord, skipExisting bool) (*IngestResult, error) {
	if !i.Enabled() {
		return nil, ErrVectorDisabled
	}

	c, rowErrors, err := BuildCase(rec)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("parse source record: %w", err)
	}

	result := &IngestResult{CaseID: c.CaseID}
	for _, re := range rowErrors {
		result.Errors = append(result.Errors, re.String())
		metrics.IngestIssueErrors.Inc()
		logger.Warn(ctx, "skipping malformed issue row",
			"case_id", c.CaseID,
			"issue_number", re.IssueNumber,
			"reason", re.Reason,
		)
	}

	// 同一案例的并发入库串行化
	unlock := i.lockCase(c.CaseID)
	defer unlock()

	raw, _ := json.Marshal(rec)
	c.ContentHash = entity.ComputeContentHash(raw)

	if skipExisting {
		stored, err := i.cases.GetContentHash(ctx, c.CaseID)
		if err == nil && stored != "" && stored == c.ContentHash {
			result.Skipped = true
			metrics.IngestTotal.WithLabelValues("skipped").Inc()
			return result, nil
		}
	}

	if err := i.ensureReady(ctx); err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	// 1) 先落库（事务内 case + issues 一并写入）
	if err := i.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := i.cases.Upsert(txCtx, c); err != nil {
			return err
		}
		return i.issues.UpsertBatch(txCtx, c.CaseID, c.Issues)
	}); err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist case %s: %w", c.CaseID, err)
	}

	// 2) 再写向量索引。此处失败不回滚记录库，错误原样上抛给调用方重试。
	if err := i.indexVectors(ctx, c); err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if i.invalidator != nil {
		if err := i.invalidator.InvalidateCase(ctx, c.CaseID); err != nil {
			logger.Warn(ctx, "cache invalidation failed", "case_id", c.CaseID, "error", err.Error())
		}
	}

	result.IssuesIndexed = len(c.Issues)
	metrics.IngestTotal.WithLabelValues("success").Inc()
	return result, nil
}

// indexVectors 计算并写入案例级与问题级向量
func (i *Indexer) indexVectors(ctx context.Context, c *entity.Case) error {
	updatedAt := c.UpdatedAt.UnixMilli()

	inputs := make([]string, 0, len(c.Issues)+1)
	inputs = append(inputs, strings.TrimSpace(c.TextSummary))
	for _, is := range c.Issues {
		inputs = append(inputs, is.EmbeddingText())
	}

	vectors, err := i.embedBatch(ctx, inputs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}

	caseRec := &CaseVectorRecord{
		ID:          c.CaseID,
		Vector:      vectors[0],
		PartNumber:  c.PartNumber,
		MoldType:    c.MoldType,
		UpdatedAt:   updatedAt,
		TextContent: c.TextSummary,
	}
	if err := i.vector.UpsertCaseVector(ctx, caseRec); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	issueRecs := make([]*IssueVectorRecord, 0, len(c.Issues))
	for idx, is := range c.Issues {
		category := is.Category
		if category == "" && len(is.DefectTypes) > 0 {
			category = is.DefectTypes[0]
		}
		issueRecs = append(issueRecs, &IssueVectorRecord{
			ID:          is.IssueID,
			Vector:      vectors[idx+1],
			CaseID:      c.CaseID,
			PartNumber:  c.PartNumber,
			Category:    category,
			UpdatedAt:   updatedAt,
			TextContent: is.EmbeddingText(),
		})
	}
	if err := i.vector.UpsertIssueVectors(ctx, c.CaseID, issueRecs); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	return nil
}

// BatchIngest 入库一个目录下的全部 *.json 源记录。
// 不同文件并行入库；skipExisting=true 时内容哈希未变的案例直接跳过。
func (i *Indexer) BatchIngest(ctx context.Context, dir string, skipExisting bool) (*BatchIngestResult, error) {
	if !i.Enabled() {
		return nil, ErrVectorDisabled
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	out := &BatchIngestResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)

	for _, file := range files {
		file := file
		g.Go(func() error {
			raw, err := os.ReadFile(file)
			if err != nil {
				mu.Lock()
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", filepath.Base(file), err))
				mu.Unlock()
				return nil
			}

			rec, err := DecodeSourceRecord(raw)
			if err != nil {
				mu.Lock()
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", filepath.Base(file), err))
				mu.Unlock()
				return nil
			}

			res, err := i.Ingest(gctx, rec, skipExisting)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", filepath.Base(file), err))
				return nil
			}
			if res.Skipped {
				out.SkippedCount++
			} else {
				out.IndexedCount++
			}
			out.Errors = append(out.Errors, res.Errors...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Indexer) lockCase(caseID string) func() {
	muAny, _ := i.inflight.LoadOrStore(caseID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (i *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if i == nil || i.embedder == nil {
		return nil, ErrVectorDisabled
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += i.embeddingBatchSize {
		end := start + i.embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := i.embedder.EmbedStrings(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(out))
	}
	return out, nil
}
