package handler

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/domain/entity"
	"moldcase-kb-api/internal/domain/repository"
	"moldcase-kb-api/internal/infrastructure/persistence/redis"
	"moldcase-kb-api/internal/interfaces/http/dto"
	apperrors "moldcase-kb-api/pkg/errors"
	"moldcase-kb-api/pkg/logger"
)

// 案例详情读多写少，短 TTL 足够；入库后由 InvalidateCase 主动失效
const caseDetailTTL = 5 * time.Minute

// CaseHandler 案例记录读取处理器
type CaseHandler struct {
	cases repository.CaseRepository
	cache *redis.Cache // 可为空，为空时直接读库
}

// NewCaseHandler 创建案例处理器
func NewCaseHandler(cases repository.CaseRepository, cache *redis.Cache) *CaseHandler {
	return &CaseHandler{cases: cases, cache: cache}
}

// GetCase 读取单个案例（含问题与图片）
// @Summary 读取案例详情
// @Tags Case
// @Produce json
// @Router /v1/cases/{cid} [get]
func (h *CaseHandler) GetCase(c *gin.Context) {
	caseID := c.Param("cid")
	ctx := c.Request.Context()

	if h.cache == nil {
		stored, err := h.loadCase(c, caseID)
		if err != nil {
			writeError(c, err)
			return
		}
		dto.Success(c, stored)
		return
	}

	raw, err := h.cache.GetOrLoadSafe(ctx, redis.BuildCaseDetailKey(caseID), caseDetailTTL, func() (interface{}, error) {
		return h.loadCase(c, caseID)
	})
	if err != nil {
		writeError(c, err)
		return
	}

	var stored entity.Case
	if unmarshalErr := json.Unmarshal(raw, &stored); unmarshalErr != nil {
		// 缓存内容损坏，删除后回源
		logger.Warn(ctx, "案例详情缓存损坏，已删除", "case_id", caseID, "error", unmarshalErr)
		_ = h.cache.Delete(ctx, redis.BuildCaseDetailKey(caseID))
		fallback, loadErr := h.loadCase(c, caseID)
		if loadErr != nil {
			writeError(c, loadErr)
			return
		}
		dto.Success(c, fallback)
		return
	}

	dto.Success(c, &stored)
}

func (h *CaseHandler) loadCase(c *gin.Context, caseID string) (*entity.Case, error) {
	stored, err := h.cases.GetByIDWithIssues(c.Request.Context(), caseID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, apperrors.New(apperrors.CodeCaseNotFound, "case not found").WithDetail(caseID)
	}
	return stored, nil
}

// ListCases 分页列出案例
// @Summary 列出案例
// @Tags Case
// @Produce json
// @Router /v1/cases [get]
func (h *CaseHandler) ListCases(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := &repository.CaseFilter{
		PartNumber: c.Query("part_number"),
		MoldType:   c.Query("mold_type"),
		SourceFile: c.Query("source_file"),
	}

	pagination := repository.NewPagination(page, pageSize)
	result, err := h.cases.List(c.Request.Context(), filter, pagination)
	if err != nil {
		writeError(c, err)
		return
	}

	dto.SuccessWithPage(c, result.Items, dto.NewPageMeta(pagination.Page, pagination.PageSize, int(result.Total)))
}
