package handlers

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 🔑 凭证签发 Handler
// =============================================================================

// CredentialHandler 为操作方签发直连节点代理的短时凭证
type CredentialHandler struct {
	db       *gorm.DB
	nodes    *registry.Service
	issuer   *registry.Issuer
	recorder audit.Recorder
	logger   *zap.Logger
}

// NewCredentialHandler 创建凭证签发处理器
func NewCredentialHandler(db *gorm.DB, nodes *registry.Service, issuer *registry.Issuer,
	recorder audit.Recorder, logger *zap.Logger) *CredentialHandler {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &CredentialHandler{db: db, nodes: nodes, issuer: issuer, recorder: recorder, logger: logger}
}

// credentialRequest 签发请求
// 凭证绑定服务器所在节点；scope 恰好授权一类能力。
type credentialRequest struct {
	ServerUUID string `json:"server_uuid"`
	Scope      string `json:"scope"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// HandleIssue 签发一张直连节点代理的凭证
func (h *CredentialHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ServerUUID == "" {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, types.ErrValidation,
			"server_uuid is required", h.logger)
		return
	}

	var server fleet.ManagedServer
	if err := h.db.WithContext(r.Context()).Where("uuid = ?", req.ServerUUID).First(&server).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "server not found", h.logger)
			return
		}
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load server").WithCause(err), h.logger)
		return
	}

	node, err := h.nodes.Resolve(r.Context(), server.NodeID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	subject := types.ActorIDFromContext(r.Context())
	if subject == "" {
		subject = "operator"
	}

	signed, err := h.issuer.IssueAgentCredential(node, subject, server.UUID,
		registry.Scope(req.Scope), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 审计记录签发事实，元数据不含凭证本体
	_ = h.recorder.Record(r.Context(), audit.Event{
		Actor:      subject,
		Action:     "credential:issue",
		TargetType: "server",
		TargetID:   server.UUID,
		Metadata: map[string]any{
			"scope":      string(signed.Scope),
			"node":       node.UUID,
			"expires_at": signed.ExpiresAt,
		},
	})

	WriteSuccess(w, signed)
}
