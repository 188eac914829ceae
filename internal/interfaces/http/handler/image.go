package handler

import (
	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/domain/repository"
	"moldcase-kb-api/internal/interfaces/http/dto"
	apperrors "moldcase-kb-api/pkg/errors"
)

// ImageHandler 图片引用元信息处理器。
// 只返回可解析的元信息（URL、描述、缺陷分类），二进制由外部图片存储负责。
type ImageHandler struct {
	images repository.ImageRepository
}

// NewImageHandler 创建图片处理器
func NewImageHandler(images repository.ImageRepository) *ImageHandler {
	return &ImageHandler{images: images}
}

// GetImage 按 image_id 读取图片元信息
// @Summary 读取图片元信息
// @Tags Image
// @Produce json
// @Router /v1/images/{iid} [get]
func (h *ImageHandler) GetImage(c *gin.Context) {
	imageID := c.Param("iid")

	img, err := h.images.GetByID(c.Request.Context(), imageID)
	if err != nil {
		writeError(c, err)
		return
	}
	if img == nil {
		writeError(c, apperrors.New(apperrors.CodeImageNotFound, "image not found").WithDetail(imageID))
		return
	}

	dto.Success(c, img)
}
