// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
)

// CaseRepository 案例仓储实现
type CaseRepository struct {
	client *Client
}

// NewCaseRepository 创建案例仓储
func NewCaseRepository(client *Client) *CaseRepository {
	return &CaseRepository{client: client}
}

// Upsert 按 case_id 幂等写入
func (r *CaseRepository) Upsert(ctx context.Context, c *entity.Case) error {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.Upsert")
	defer span.End()

	db := getDB(ctx, r.client.db)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "case_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"part_number", "mold_type", "material", "color",
			"total_issues", "source_file", "text_summary", "content_hash", "updated_at",
		}),
	}).Omit("Issues").Create(c).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert case: %w", err)
	}
	return nil
}

// GetByID 根据 case_id 获取案例（不含级联）
func (r *CaseRepository) GetByID(ctx context.Context, caseID string) (*entity.Case, error) {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var c entity.Case
	if err := db.First(&c, "case_id = ?", caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return &c, nil
}

// GetByIDWithIssues 带 Issue/Image 级联读取
func (r *CaseRepository) GetByIDWithIssues(ctx context.Context, caseID string) (*entity.Case, error) {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.GetByIDWithIssues")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var c entity.Case
	err := db.Preload("Issues", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("issue_number ASC")
	}).Preload("Issues.Images", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("ordinal ASC")
	}).First(&c, "case_id = ?", caseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get case with issues: %w", err)
	}
	return &c, nil
}

// GetContentHash 仅读取内容哈希，供重复入库短路
func (r *CaseRepository) GetContentHash(ctx context.Context, caseID string) (string, error) {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.GetContentHash")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var hash string
	err := db.Model(&entity.Case{}).
		Where("case_id = ?", caseID).
		Pluck("content_hash", &hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		span.RecordError(err)
		return "", fmt.Errorf("failed to get content hash: %w", err)
	}
	return hash, nil
}

// List 获取案例列表
func (r *CaseRepository) List(ctx context.Context, filter *repository.CaseFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Case], error) {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.List")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.Case{})

	// 应用过滤条件
	if filter != nil {
		if filter.PartNumber != "" {
			query = query.Where("part_number = ?", filter.PartNumber)
		}
		if filter.MoldType != "" {
			query = query.Where("mold_type = ?", filter.MoldType)
		}
		if filter.SourceFile != "" {
			query = query.Where("source_file = ?", filter.SourceFile)
		}
	}

	// 获取总数
	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count cases: %w", err)
	}

	// 获取列表
	var cases []*entity.Case
	if err := query.Order("updated_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&cases).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	return repository.NewPagedResult(cases, total, pagination), nil
}

// GetManyByIDs 批量读取案例
func (r *CaseRepository) GetManyByIDs(ctx context.Context, caseIDs []string) (map[string]*entity.Case, error) {
	ctx, span := tracer.Start(ctx, "postgres.CaseRepository.GetManyByIDs")
	defer span.End()

	out := make(map[string]*entity.Case, len(caseIDs))
	if len(caseIDs) == 0 {
		return out, nil
	}

	db := getDB(ctx, r.client.db)
	var cases []*entity.Case
	if err := db.Where("case_id IN ?", caseIDs).Find(&cases).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get cases by ids: %w", err)
	}
	for _, c := range cases {
		out[c.CaseID] = c
	}
	return out, nil
}
