// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moldcase-kb-api/internal/domain/entity"
)

// IssueRepository 问题仓储实现
type IssueRepository struct {
	client *Client
}

// NewIssueRepository 创建问题仓储
func NewIssueRepository(client *Client) *IssueRepository {
	return &IssueRepository{client: client}
}

// UpsertBatch 按 issue_id 幂等批量写入；同案例下旧 issue 若本次未出现则连同图片删除
func (r *IssueRepository) UpsertBatch(ctx context.Context, caseID string, issues []*entity.Issue) error {
	ctx, span := tracer.Start(ctx, "postgres.IssueRepository.UpsertBatch")
	defer span.End()

	db := getDB(ctx, r.client.db)

	keep := make([]string, 0, len(issues))
	for _, is := range issues {
		if is != nil {
			keep = append(keep, is.IssueID)
		}
	}

	// 清理本次未出现的旧 issue（图片随 issue 生命周期删除）
	stale := db.Model(&entity.Issue{}).Where("case_id = ?", caseID)
	if len(keep) > 0 {
		stale = stale.Where("issue_id NOT IN ?", keep)
	}
	var staleIDs []string
	if err := stale.Pluck("issue_id", &staleIDs).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to find stale issues: %w", err)
	}
	if len(staleIDs) > 0 {
		if err := db.Where("issue_id IN ?", staleIDs).Delete(&entity.Image{}).Error; err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to delete stale images: %w", err)
		}
		if err := db.Where("issue_id IN ?", staleIDs).Delete(&entity.Issue{}).Error; err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to delete stale issues: %w", err)
		}
	}

	for _, is := range issues {
		if is == nil {
			continue
		}
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "issue_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"problem", "solution", "trial_version", "result_t1", "result_t2",
				"category", "defect_types", "has_images", "image_count", "updated_at",
			}),
		}).Omit("Images").Create(is).Error
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to upsert issue %s: %w", is.IssueID, err)
		}

		// 图片整体重建：等价于 Indexer 的 delete-then-insert 语义
		if err := db.Where("issue_id = ?", is.IssueID).Delete(&entity.Image{}).Error; err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to clear images for issue %s: %w", is.IssueID, err)
		}
		if len(is.Images) > 0 {
			if err := db.Create(is.Images).Error; err != nil {
				span.RecordError(err)
				return fmt.Errorf("failed to insert images for issue %s: %w", is.IssueID, err)
			}
		}
	}

	return nil
}

// GetByID 根据 issue_id 获取问题（含图片）
func (r *IssueRepository) GetByID(ctx context.Context, issueID string) (*entity.Issue, error) {
	ctx, span := tracer.Start(ctx, "postgres.IssueRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var issue entity.Issue
	err := db.Preload("Images", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("ordinal ASC")
	}).First(&issue, "issue_id = ?", issueID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return &issue, nil
}

// GetManyByIDs 批量读取问题（含图片级联）
func (r *IssueRepository) GetManyByIDs(ctx context.Context, issueIDs []string) (map[string]*entity.Issue, error) {
	ctx, span := tracer.Start(ctx, "postgres.IssueRepository.GetManyByIDs")
	defer span.End()

	out := make(map[string]*entity.Issue, len(issueIDs))
	if len(issueIDs) == 0 {
		return out, nil
	}

	db := getDB(ctx, r.client.db)
	var issues []*entity.Issue
	err := db.Preload("Images", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("ordinal ASC")
	}).Where("issue_id IN ?", issueIDs).Find(&issues).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get issues by ids: %w", err)
	}
	for _, is := range issues {
		out[is.IssueID] = is
	}
	return out, nil
}

// ListByCase 获取案例的问题列表
func (r *IssueRepository) ListByCase(ctx context.Context, caseID string) ([]*entity.Issue, error) {
	ctx, span := tracer.Start(ctx, "postgres.IssueRepository.ListByCase")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var issues []*entity.Issue
	err := db.Preload("Images", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("ordinal ASC")
	}).Where("case_id = ?", caseID).
		Order("issue_number ASC").
		Find(&issues).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list issues by case: %w", err)
	}
	return issues, nil
}
