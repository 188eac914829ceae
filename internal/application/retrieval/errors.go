package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrVectorDisabled 表示向量检索/索引能力未配置（Milvus 或 Embedder 不可用）。
	ErrVectorDisabled = errors.New("vector retrieval is disabled")

	// ErrIndexUnavailable 表示向量集合在有限重试后仍不可达。
	// 调用方不得将其降级为空结果成功返回。
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrEmbeddingService 表示向量化服务在有限重试后仍失败。
	ErrEmbeddingService = errors.New("embedding service failed")
)

// HookAbortError 表示某个注册钩子拒绝了本次调用。
// 与检索类失败严格区分，调用方据此返回不同的错误码。
type HookAbortError struct {
	Hook   string
	Reason string
}

func (e *HookAbortError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("hook %q aborted the call", e.Hook)
	}
	return fmt.Sprintf("hook %q aborted the call: %s", e.Hook, e.Reason)
}

// AsHookAbort 判断 err 是否为钩子中止
func AsHookAbort(err error) (*HookAbortError, bool) {
	var ha *HookAbortError
	if errors.As(err, &ha) {
		return ha, true
	}
	return nil, false
}
