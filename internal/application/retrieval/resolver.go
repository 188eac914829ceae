package retrieval

import (
	"context"
	"strings"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
	"moldcase-kb-api/pkg/logger"
	"moldcase-kb-api/pkg/metrics"
)

// ImageResolver 将问题的图片引用展开为可解析的元信息。
// 悬空引用（记录缺失或 URL 为空）直接从结果中剔除并重算派生计数，
// 属于索引不一致：记日志 + 打点，但不影响检索调用本身。
type ImageResolver struct {
	images repository.ImageRepository
}

func NewImageResolver(images repository.ImageRepository) *ImageResolver {
	return &ImageResolver{images: images}
}

// Resolve 就地修复 issue 的 images 列表与派生计数
func (r *ImageResolver) Resolve(ctx context.Context, issue *entity.Issue) {
	if r == nil || issue == nil {
		return
	}

	// 回表读取未级联加载的图片
	if len(issue.Images) == 0 && issue.ImageCount > 0 && r.images != nil {
		stored, err := r.images.ListByIssue(ctx, issue.IssueID)
		if err == nil {
			issue.Images = stored
		}
	}

	declared := issue.ImageCount
	kept := issue.Images[:0]
	for _, img := range issue.Images {
		if img == nil || strings.TrimSpace(img.ImageURL) == "" {
			continue
		}
		kept = append(kept, img)
	}
	issue.Images = kept
	issue.SyncImageCounters()

	if issue.ImageCount != declared {
		metrics.IndexInconsistencyTotal.Inc()
		logger.Warn(ctx, "dangling image references dropped",
			"issue_id", issue.IssueID,
			"declared", declared,
			"resolved", issue.ImageCount,
		)
	}
}
