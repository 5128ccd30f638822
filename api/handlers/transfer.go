package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/transfer"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 🚚 迁移 Handler
// =============================================================================

// TransferHandler 迁移编排的 HTTP 入口
type TransferHandler struct {
	orch   *transfer.Orchestrator
	logger *zap.Logger
}

// NewTransferHandler 创建迁移处理器
func NewTransferHandler(orch *transfer.Orchestrator, logger *zap.Logger) *TransferHandler {
	return &TransferHandler{orch: orch, logger: logger}
}

// transferRequest 发起迁移的请求
type transferRequest struct {
	ServerID                uint   `json:"server_id"`
	TargetNodeID            uint   `json:"target_node_id"`
	AllocationID            uint   `json:"allocation_id,omitempty"`
	AdditionalAllocationIDs []uint `json:"additional_allocation_ids,omitempty"`
	StartOnCompletion       bool   `json:"start_on_completion,omitempty"`
}

// transferResponse 发起迁移的响应
type transferResponse struct {
	TransferID      uint `json:"transfer_id"`
	SourceNodeID    uint `json:"source_node_id"`
	TargetNodeID    uint `json:"target_node_id"`
	NewAllocationID uint `json:"new_allocation_id"`
}

// HandleInitiate 发起一次迁移
// 校验、分配占用与单飞约束都在编排器的事务里完成；这里只做请求
// 形状检查与错误码透传。
func (h *TransferHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ServerID == 0 || req.TargetNodeID == 0 {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, types.ErrValidation,
			"server_id and target_node_id are required", h.logger)
		return
	}

	t, err := h.orch.Initiate(r.Context(), transfer.InitiateRequest{
		ServerID:                req.ServerID,
		TargetNodeID:            req.TargetNodeID,
		AllocationID:            req.AllocationID,
		AdditionalAllocationIDs: req.AdditionalAllocationIDs,
		StartOnCompletion:       req.StartOnCompletion,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: transferResponse{
			TransferID:      t.ID,
			SourceNodeID:    t.SourceNodeID,
			TargetNodeID:    t.TargetNodeID,
			NewAllocationID: t.NewAllocationID,
		},
	})
}

// HandleCancel 取消服务器当前的迁移
// 仅在目标节点发出不可逆进度信号前被接受。
func (h *TransferHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	serverUUID := r.PathValue("uuid")
	if serverUUID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"server uuid is required", h.logger)
		return
	}

	if err := h.orch.Cancel(r.Context(), serverUUID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, nil)
}
