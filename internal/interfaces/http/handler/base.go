package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/application/retrieval"
	"moldcase-kb-api/internal/interfaces/http/dto"
	apperrors "moldcase-kb-api/pkg/errors"
)

// writeError 将应用层错误映射为统一错误响应。
// 错误分类约定：钩子中止、索引故障、向量化故障、超时各自独立成码，
// 调用方（智能体运行时）依赖该区分决定是否重试。
func writeError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var appErr *apperrors.AppError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		appErr = apperrors.Wrap(err, apperrors.CodeDeadlineExceeded, "call deadline exceeded")
	case errors.Is(err, retrieval.ErrIndexUnavailable), errors.Is(err, retrieval.ErrVectorDisabled):
		appErr = apperrors.Wrap(err, apperrors.CodeIndexUnavailable, "vector index unavailable")
	case errors.Is(err, retrieval.ErrEmbeddingService):
		appErr = apperrors.Wrap(err, apperrors.CodeEmbeddingFailed, "embedding service call failed")
	default:
		if ha, ok := retrieval.AsHookAbort(err); ok {
			appErr = apperrors.New(apperrors.CodeHookAborted, "call rejected by hook").WithDetail(ha.Error())
		} else if e := new(apperrors.AppError); errors.As(err, &e) {
			appErr = e
		} else {
			appErr = apperrors.New(apperrors.CodeInvalidParam, err.Error())
		}
	}

	dto.ErrorWithDetail(c, appErr.HTTPStatus, appErr.Message, &dto.ErrorDetail{
		ErrorCode: string(appErr.Code),
		Details:   appErr.Detail,
	})
}
