// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"moldcase-kb-api/internal/domain/entity"
)

// CaseRepository 案例仓储接口
type CaseRepository interface {
	// Upsert 按 case_id 幂等写入（存在则更新，不产生重复）
	Upsert(ctx context.Context, c *entity.Case) error
	GetByID(ctx context.Context, caseID string) (*entity.Case, error)
	// GetByIDWithIssues 带 Issue/Image 级联读取
	GetByIDWithIssues(ctx context.Context, caseID string) (*entity.Case, error)
	GetContentHash(ctx context.Context, caseID string) (string, error)
	List(ctx context.Context, filter *CaseFilter, pagination Pagination) (*PagedResult[*entity.Case], error)
	// GetManyByIDs 批量读取，保持入参顺序无关
	GetManyByIDs(ctx context.Context, caseIDs []string) (map[string]*entity.Case, error)
}

// CaseFilter 案例过滤条件
type CaseFilter struct {
	PartNumber string
	MoldType   string
	SourceFile string
}

// IssueRepository 问题仓储接口
type IssueRepository interface {
	// UpsertBatch 按 issue_id 幂等批量写入，并删除本次未出现的旧 issue
	UpsertBatch(ctx context.Context, caseID string, issues []*entity.Issue) error
	GetByID(ctx context.Context, issueID string) (*entity.Issue, error)
	// GetManyByIDs 批量读取（含图片级联）
	GetManyByIDs(ctx context.Context, issueIDs []string) (map[string]*entity.Issue, error)
	ListByCase(ctx context.Context, caseID string) ([]*entity.Issue, error)
}

// ImageRepository 图片引用仓储接口
type ImageRepository interface {
	GetByID(ctx context.Context, imageID string) (*entity.Image, error)
	ListByIssue(ctx context.Context, issueID string) ([]*entity.Image, error)
	// GetManyByIDs 批量读取；缺失的 id 不出现在返回 map 中
	GetManyByIDs(ctx context.Context, imageIDs []string) (map[string]*entity.Image, error)
}
