package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
)

// fakeEmbedder 返回确定性向量，可注入失败
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeVectorIndex 内存向量库：召回结果由测试预置，写入结果可回查
type fakeVectorIndex struct {
	mu sync.Mutex

	issueHits []*VectorHit
	caseHits  []*VectorHit

	searchErr error

	caseVectors  map[string]*CaseVectorRecord
	issueVectors map[string][]*IssueVectorRecord
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{
		caseVectors:  make(map[string]*CaseVectorRecord),
		issueVectors: make(map[string][]*IssueVectorRecord),
	}
}

func (f *fakeVectorIndex) EnsureCollections(ctx context.Context) error { return nil }

func (f *fakeVectorIndex) SearchCases(ctx context.Context, params *VectorSearchParams) ([]*VectorHit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.caseHits, nil
}

func (f *fakeVectorIndex) SearchIssues(ctx context.Context, params *VectorSearchParams) ([]*VectorHit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.issueHits, nil
}

func (f *fakeVectorIndex) UpsertCaseVector(ctx context.Context, rec *CaseVectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caseVectors[rec.ID] = rec
	return nil
}

func (f *fakeVectorIndex) UpsertIssueVectors(ctx context.Context, caseID string, recs []*IssueVectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueVectors[caseID] = recs
	return nil
}

func (f *fakeVectorIndex) DeleteCase(ctx context.Context, caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.caseVectors, caseID)
	delete(f.issueVectors, caseID)
	return nil
}

// fakeCaseRepo 内存案例仓储
type fakeCaseRepo struct {
	mu    sync.Mutex
	cases map[string]*entity.Case
}

func newFakeCaseRepo() *fakeCaseRepo {
	return &fakeCaseRepo{cases: make(map[string]*entity.Case)}
}

func (f *fakeCaseRepo) Upsert(ctx context.Context, c *entity.Case) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	f.cases[c.CaseID] = c
	return nil
}

func (f *fakeCaseRepo) GetByID(ctx context.Context, caseID string) (*entity.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cases[caseID], nil
}

func (f *fakeCaseRepo) GetByIDWithIssues(ctx context.Context, caseID string) (*entity.Case, error) {
	return f.GetByID(ctx, caseID)
}

func (f *fakeCaseRepo) GetContentHash(ctx context.Context, caseID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cases[caseID]; ok {
		return c.ContentHash, nil
	}
	return "", fmt.Errorf("case %s not found", caseID)
}

func (f *fakeCaseRepo) List(ctx context.Context, filter *repository.CaseFilter, p repository.Pagination) (*repository.PagedResult[*entity.Case], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]*entity.Case, 0, len(f.cases))
	for _, c := range f.cases {
		items = append(items, c)
	}
	return repository.NewPagedResult(items, int64(len(items)), p), nil
}

func (f *fakeCaseRepo) GetManyByIDs(ctx context.Context, caseIDs []string) (map[string]*entity.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*entity.Case, len(caseIDs))
	for _, id := range caseIDs {
		if c, ok := f.cases[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

// fakeIssueRepo 内存问题仓储
type fakeIssueRepo struct {
	mu     sync.Mutex
	issues map[string]*entity.Issue
}

func newFakeIssueRepo() *fakeIssueRepo {
	return &fakeIssueRepo{issues: make(map[string]*entity.Issue)}
}

func (f *fakeIssueRepo) UpsertBatch(ctx context.Context, caseID string, issues []*entity.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, is := range f.issues {
		if is.CaseID == caseID {
			delete(f.issues, id)
		}
	}
	for _, is := range issues {
		if is.UpdatedAt.IsZero() {
			is.UpdatedAt = time.Now()
		}
		f.issues[is.IssueID] = is
	}
	return nil
}

func (f *fakeIssueRepo) GetByID(ctx context.Context, issueID string) (*entity.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issues[issueID], nil
}

func (f *fakeIssueRepo) GetManyByIDs(ctx context.Context, issueIDs []string) (map[string]*entity.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*entity.Issue, len(issueIDs))
	for _, id := range issueIDs {
		if is, ok := f.issues[id]; ok {
			out[id] = is
		}
	}
	return out, nil
}

func (f *fakeIssueRepo) ListByCase(ctx context.Context, caseID string) ([]*entity.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Issue
	for _, is := range f.issues {
		if is.CaseID == caseID {
			out = append(out, is)
		}
	}
	return out, nil
}

// fakeImageRepo 内存图片仓储
type fakeImageRepo struct {
	mu     sync.Mutex
	images map[string]*entity.Image
}

func newFakeImageRepo() *fakeImageRepo {
	return &fakeImageRepo{images: make(map[string]*entity.Image)}
}

func (f *fakeImageRepo) put(img *entity.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[img.ImageID] = img
}

func (f *fakeImageRepo) GetByID(ctx context.Context, imageID string) (*entity.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[imageID], nil
}

func (f *fakeImageRepo) ListByIssue(ctx context.Context, issueID string) ([]*entity.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Image
	for _, img := range f.images {
		if img.IssueID == issueID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeImageRepo) GetManyByIDs(ctx context.Context, imageIDs []string) (map[string]*entity.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*entity.Image, len(imageIDs))
	for _, id := range imageIDs {
		if img, ok := f.images[id]; ok {
			out[id] = img
		}
	}
	return out, nil
}

// fakeTx 直通事务：测试里不关心隔离性，只关心回调被执行
type fakeTx struct{}

func (fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
