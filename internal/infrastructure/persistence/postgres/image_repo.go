// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"moldcase-kb-api/internal/domain/entity"
)

// ImageRepository 图片引用仓储实现
type ImageRepository struct {
	client *Client
}

// NewImageRepository 创建图片仓储
func NewImageRepository(client *Client) *ImageRepository {
	return &ImageRepository{client: client}
}

// GetByID 根据 image_id 获取图片引用
func (r *ImageRepository) GetByID(ctx context.Context, imageID string) (*entity.Image, error) {
	ctx, span := tracer.Start(ctx, "postgres.ImageRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var img entity.Image
	if err := db.First(&img, "image_id = ?", imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &img, nil
}

// ListByIssue 获取问题的图片列表
func (r *ImageRepository) ListByIssue(ctx context.Context, issueID string) ([]*entity.Image, error) {
	ctx, span := tracer.Start(ctx, "postgres.ImageRepository.ListByIssue")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var images []*entity.Image
	if err := db.Where("issue_id = ?", issueID).
		Order("ordinal ASC").
		Find(&images).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list images by issue: %w", err)
	}
	return images, nil
}

// GetManyByIDs 批量读取图片引用；缺失的 id 不出现在返回 map 中
func (r *ImageRepository) GetManyByIDs(ctx context.Context, imageIDs []string) (map[string]*entity.Image, error) {
	ctx, span := tracer.Start(ctx, "postgres.ImageRepository.GetManyByIDs")
	defer span.End()

	out := make(map[string]*entity.Image, len(imageIDs))
	if len(imageIDs) == 0 {
		return out, nil
	}

	db := getDB(ctx, r.client.db)
	var images []*entity.Image
	if err := db.Where("image_id IN ?", imageIDs).Find(&images).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get images by ids: %w", err)
	}
	for _, img := range images {
		out[img.ImageID] = img
	}
	return out, nil
}
