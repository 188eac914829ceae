package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexer(vec *fakeVectorIndex, cases *fakeCaseRepo, issues *fakeIssueRepo) *Indexer {
	return NewIndexer(&fakeEmbedder{}, vec, cases, issues, fakeTx{}, 0, 0)
}

func TestIngest_PersistsRecordsAndVectors(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := newTestIndexer(vec, cases, issues)

	res, err := ix.Ingest(context.Background(), validSourceRecord(), false)
	require.NoError(t, err)

	assert.Equal(t, "TS-1947688-ED736A0501", res.CaseID)
	assert.Equal(t, 2, res.IssuesIndexed)
	assert.False(t, res.Skipped)
	assert.Empty(t, res.Errors)

	// 记录库
	c, err := cases.GetByID(context.Background(), res.CaseID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotEmpty(t, c.ContentHash)
	stored, err := issues.ListByCase(context.Background(), res.CaseID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// 向量索引：案例级一条，问题级每行一条
	require.NotNil(t, vec.caseVectors[res.CaseID])
	assert.Equal(t, c.TextSummary, vec.caseVectors[res.CaseID].TextContent)
	require.Len(t, vec.issueVectors[res.CaseID], 2)
	assert.Equal(t, "TS-1947688-ED736A0501-1", vec.issueVectors[res.CaseID][0].ID)
	// 问题级向量缺 category 时回退到首个缺陷类型
	assert.Equal(t, "银纹", vec.issueVectors[res.CaseID][1].Category)
}

func TestIngest_SkipExistingByContentHash(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := newTestIndexer(vec, cases, issues)
	embedder := ix.embedder.(*fakeEmbedder)

	_, err := ix.Ingest(context.Background(), validSourceRecord(), true)
	require.NoError(t, err)
	firstCalls := embedder.callCount()

	t.Run("unchanged content short-circuits", func(t *testing.T) {
		res, err := ix.Ingest(context.Background(), validSourceRecord(), true)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, firstCalls, embedder.callCount(), "no re-embedding on skip")
	})

	t.Run("changed content re-indexes", func(t *testing.T) {
		rec := validSourceRecord()
		rec.Issues[0].Solution = "改为降低保压压力"
		res, err := ix.Ingest(context.Background(), rec, true)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Greater(t, embedder.callCount(), firstCalls)
	})

	t.Run("skip disabled always re-indexes", func(t *testing.T) {
		before := embedder.callCount()
		res, err := ix.Ingest(context.Background(), validSourceRecord(), false)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Greater(t, embedder.callCount(), before)
	})
}

func TestIngest_IsIdempotent(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := newTestIndexer(vec, cases, issues)

	for i := 0; i < 3; i++ {
		_, err := ix.Ingest(context.Background(), validSourceRecord(), false)
		require.NoError(t, err)
	}

	stored, err := issues.ListByCase(context.Background(), "TS-1947688-ED736A0501")
	require.NoError(t, err)
	assert.Len(t, stored, 2, "repeated ingestion must not duplicate issues")
	assert.Len(t, vec.issueVectors["TS-1947688-ED736A0501"], 2)
}

func TestIngest_MalformedRowsReportedNotFatal(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := newTestIndexer(vec, cases, issues)

	rec := validSourceRecord()
	rec.Issues = append(rec.Issues, SourceIssue{IssueNumber: 3, Problem: "没有对策", Solution: ""})

	res, err := ix.Ingest(context.Background(), rec, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.IssuesIndexed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "issue 3")
}

func TestIngest_EmbeddingFailureLeavesRecordsIntact(t *testing.T) {
	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := NewIndexer(&fakeEmbedder{fail: errors.New("service down")}, vec, cases, issues, fakeTx{}, 0, 0)

	_, err := ix.Ingest(context.Background(), validSourceRecord(), false)
	require.ErrorIs(t, err, ErrEmbeddingService)

	// 记录先于向量落库：失败后记录完整可供重试
	c, getErr := cases.GetByID(context.Background(), "TS-1947688-ED736A0501")
	require.NoError(t, getErr)
	assert.NotNil(t, c)
	assert.Empty(t, vec.caseVectors)
}

func TestIngest_DisabledWithoutVectorBackend(t *testing.T) {
	ix := NewIndexer(nil, nil, newFakeCaseRepo(), newFakeIssueRepo(), fakeTx{}, 0, 0)
	_, err := ix.Ingest(context.Background(), validSourceRecord(), false)
	assert.ErrorIs(t, err, ErrVectorDisabled)
}

func TestBatchIngest(t *testing.T) {
	dir := t.TempDir()

	writeRecord := func(name string, rec *SourceRecord) {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	}

	recA := validSourceRecord()
	recB := validSourceRecord()
	recB.TrackingNumber = "2020300"
	writeRecord("a.json", recA)
	writeRecord("b.json", recB)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	vec := newFakeVectorIndex()
	cases, issues := newFakeCaseRepo(), newFakeIssueRepo()
	ix := newTestIndexer(vec, cases, issues)

	res, err := ix.BatchIngest(context.Background(), dir, false)
	require.NoError(t, err)

	assert.Equal(t, 2, res.IndexedCount)
	assert.Equal(t, 0, res.SkippedCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "broken.json")

	assert.NotNil(t, vec.caseVectors["TS-1947688-ED736A0501"])
	assert.NotNil(t, vec.caseVectors["TS-2020300-ED736A0501"])
}

func TestBatchIngest_MissingDirectory(t *testing.T) {
	ix := newTestIndexer(newFakeVectorIndex(), newFakeCaseRepo(), newFakeIssueRepo())
	_, err := ix.BatchIngest(context.Background(), "/nonexistent/path", false)
	assert.Error(t, err)
}
