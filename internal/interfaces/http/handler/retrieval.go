package handler

import (
	"github.com/gin-gonic/gin"

	"moldcase-kb-api/internal/application/retrieval"
	"moldcase-kb-api/internal/interfaces/http/dto"
)

// RetrievalHandler 检索与入库处理器
type RetrievalHandler struct {
	gateway *retrieval.Gateway
	engine  *retrieval.Engine
	indexer *retrieval.Indexer
}

// NewRetrievalHandler 创建检索处理器
func NewRetrievalHandler(gateway *retrieval.Gateway, engine *retrieval.Engine, indexer *retrieval.Indexer) *RetrievalHandler {
	return &RetrievalHandler{
		gateway: gateway,
		engine:  engine,
		indexer: indexer,
	}
}

// SearchAndPack 检索并按预算打包
// @Summary 检索并打包
// @Description 语义检索后按字符预算打包为结构完整的载荷
// @Tags Retrieval
// @Accept json
// @Produce json
// @Router /v1/kb/search_and_pack [post]
func (h *RetrievalHandler) SearchAndPack(c *gin.Context) {
	var req dto.SearchAndPackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	payload, err := h.gateway.SearchAndPack(c.Request.Context(), &retrieval.ToolRequest{
		Query:       req.Query,
		Mode:        retrieval.SearchMode(req.Mode),
		TopK:        req.TopK,
		BudgetChars: req.BudgetChars,
		Filters:     req.Filters.ToApp(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	dto.Success(c, payload)
}

// Search 原始检索（不打包）
// @Summary 语义检索
// @Tags Retrieval
// @Accept json
// @Produce json
// @Router /v1/kb/search [post]
func (h *RetrievalHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	set, err := h.engine.Search(c.Request.Context(), retrieval.SearchInput{
		Query:   req.Query,
		Mode:    retrieval.SearchMode(req.Mode),
		TopK:    req.TopK,
		Filters: req.Filters.ToApp(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	dto.Success(c, set)
}

// Ingest 单条源记录入库
// @Summary 入库一条源记录
// @Tags Ingest
// @Accept json
// @Produce json
// @Router /v1/kb/ingest [post]
func (h *RetrievalHandler) Ingest(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.indexer.Ingest(c.Request.Context(), req.Record, req.SkipExisting)
	if err != nil {
		writeError(c, err)
		return
	}

	dto.Success(c, result)
}

// BatchIngest 目录批量入库
// @Summary 批量入库一个目录
// @Tags Ingest
// @Accept json
// @Produce json
// @Router /v1/kb/batch_ingest [post]
func (h *RetrievalHandler) BatchIngest(c *gin.Context) {
	var req dto.BatchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.indexer.BatchIngest(c.Request.Context(), req.Directory, req.SkipExisting)
	if err != nil {
		writeError(c, err)
		return
	}

	dto.Success(c, result)
}
