package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/transfer"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// 📡 节点回调 Handler
// =============================================================================
// 节点代理回报异步结果的入口。调用方身份只从凭证解析（TokenID 定位节点，
// 密钥恒定时间比对），永不信任请求体里的节点字段。所有终态回调幂等：
// 重放同一终态不得二次触发副作用（通知、分配释放）。
// =============================================================================

// CallbackHandler 节点回调处理器
type CallbackHandler struct {
	db       *gorm.DB
	nodes    *registry.Service
	orch     *transfer.Orchestrator
	notifier fleet.Notifier
	recorder audit.Recorder
	metrics  *metrics.Collector // 可为 nil
	logger   *zap.Logger
}

// NewCallbackHandler 创建回调处理器
func NewCallbackHandler(db *gorm.DB, nodes *registry.Service, orch *transfer.Orchestrator,
	notifier fleet.Notifier, recorder audit.Recorder, collector *metrics.Collector,
	logger *zap.Logger) *CallbackHandler {
	if notifier == nil {
		notifier = fleet.NopNotifier{}
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &CallbackHandler{
		db:       db,
		nodes:    nodes,
		orch:     orch,
		notifier: notifier,
		recorder: recorder,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "callback")),
	}
}

// authenticate 从 Authorization 头解析并校验调用节点身份
// 凭证格式 "Bearer <tokenID>.<secret>"；TokenID 明文定位节点，密钥走
// 恒定时间比较。
func (h *CallbackHandler) authenticate(r *http.Request) (*registry.Node, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	tokenID, secret, found := strings.Cut(raw, ".")
	if !found || tokenID == "" || secret == "" {
		return nil, types.NewError(types.ErrUnauthorized, "missing node credential").WithHTTPStatus(http.StatusUnauthorized)
	}

	node, err := h.nodes.ResolveByTokenID(r.Context(), tokenID)
	if err != nil {
		return nil, err
	}
	if !node.VerifySecret(secret) {
		return nil, types.NewError(types.ErrUnauthorized, "invalid node credential").WithHTTPStatus(http.StatusUnauthorized)
	}
	return node, nil
}

// ownedServer 加载服务器并校验归属调用节点
func (h *CallbackHandler) ownedServer(r *http.Request, node *registry.Node, serverUUID string) (*fleet.ManagedServer, error) {
	var server fleet.ManagedServer
	err := h.db.WithContext(r.Context()).Where("uuid = ?", serverUUID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "server not found").WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load server").WithCause(err)
	}
	if server.NodeID != node.ID {
		return nil, types.NewError(types.ErrForbidden, "server does not belong to this node").WithHTTPStatus(http.StatusForbidden)
	}
	return &server, nil
}

func (h *CallbackHandler) recordCallback(kind, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordCallback(kind, outcome)
	}
}

// =============================================================================
// 📋 活动批次
// =============================================================================

// ActivityItem 一条节点侧活动事件
type ActivityItem struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Server    string         `json:"server,omitempty"`
	User      string         `json:"user,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// activityBatchRequest 活动批次请求体
type activityBatchRequest struct {
	Data []ActivityItem `json:"data"`
}

// activityBatchResponse 逐条接受/拒绝的统计
type activityBatchResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// HandleActivity 接收一批节点侧活动事件
// 逐条校验：事件名必填；引用了服务器的条目必须归属调用节点，否则拒绝
// 该条但不拒绝整批。
func (h *CallbackHandler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	node, err := h.authenticate(r)
	if err != nil {
		h.recordCallback("activity", "unauthorized")
		WriteError(w, err, h.logger)
		return
	}

	var req activityBatchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var resp activityBatchResponse
	for _, item := range req.Data {
		if item.Event == "" {
			resp.Rejected++
			continue
		}

		targetType, targetID := "node", node.UUID
		if item.Server != "" {
			if _, err := h.ownedServer(r, node, item.Server); err != nil {
				h.logger.Warn("rejected activity item",
					zap.String("node", node.UUID),
					zap.String("server", item.Server),
					zap.String("event", item.Event))
				resp.Rejected++
				continue
			}
			targetType, targetID = "server", item.Server
		}

		actor := item.User
		if actor == "" {
			actor = node.UUID
		}
		_ = h.recorder.Record(r.Context(), audit.Event{
			Actor:      actor,
			Action:     item.Event,
			TargetType: targetType,
			TargetID:   targetID,
			Metadata:   item.Metadata,
			Timestamp:  item.Timestamp,
		})
		resp.Accepted++
	}

	h.recordCallback("activity", "accepted")
	WriteSuccess(w, resp)
}

// =============================================================================
// 💾 备份终态
// =============================================================================

// backupStatusRequest 备份终态回调体
type backupStatusRequest struct {
	Checksum     string `json:"checksum"`
	ChecksumType string `json:"checksum_type"`
	Size         int64  `json:"size"`
	Successful   bool   `json:"successful"`
}

// HandleBackupStatus 终结一条备份
// 条件更新只命中未终结的行；重放同一终态是 no-op，通知恰好发送一次。
func (h *CallbackHandler) HandleBackupStatus(w http.ResponseWriter, r *http.Request) {
	node, err := h.authenticate(r)
	if err != nil {
		h.recordCallback("backup", "unauthorized")
		WriteError(w, err, h.logger)
		return
	}

	backupUUID := r.PathValue("backup")
	if backupUUID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "backup uuid is required", h.logger)
		return
	}

	var req backupStatusRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var backup fleet.Backup
	err = h.db.WithContext(r.Context()).Where("uuid = ?", backupUUID).First(&backup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.recordCallback("backup", "rejected")
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "backup not found", h.logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load backup").WithCause(err), h.logger)
		return
	}

	server, err := h.ownedServer(r, node, h.serverUUIDByID(r, backup.ServerID))
	if err != nil {
		h.recordCallback("backup", "rejected")
		WriteError(w, err, h.logger)
		return
	}

	now := time.Now()
	res := h.db.WithContext(r.Context()).Model(&fleet.Backup{}).
		Where("uuid = ? AND completed_at IS NULL", backupUUID).
		Updates(map[string]any{
			"checksum":      req.Checksum,
			"checksum_type": req.ChecksumType,
			"bytes":         req.Size,
			"is_successful": req.Successful,
			"completed_at":  now,
		})
	if res.Error != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to finalize backup").WithCause(res.Error), h.logger)
		return
	}
	if res.RowsAffected == 0 {
		// 已终结：重放回调，不再触发通知
		h.recordCallback("backup", "replayed")
		WriteSuccess(w, nil)
		return
	}

	if req.Successful {
		backup.CompletedAt = &now
		backup.IsSuccessful = true
		backup.Bytes = req.Size
		if err := h.notifier.NotifyBackupCompleted(r.Context(), server, &backup); err != nil {
			h.logger.Warn("backup completion notification failed",
				zap.String("backup", backupUUID), zap.Error(err))
		}
	}

	_ = h.recorder.Record(r.Context(), audit.Event{
		Actor:      node.UUID,
		Action:     "backup:complete",
		TargetType: "backup",
		TargetID:   backupUUID,
		Metadata:   map[string]any{"successful": req.Successful, "bytes": req.Size},
	})

	h.recordCallback("backup", "accepted")
	WriteSuccess(w, nil)
}

// serverUUIDByID 反查服务器 uuid，仅用于归属校验
func (h *CallbackHandler) serverUUIDByID(r *http.Request, serverID uint) string {
	var server fleet.ManagedServer
	if err := h.db.WithContext(r.Context()).Select("uuid").First(&server, serverID).Error; err != nil {
		return ""
	}
	return server.UUID
}

// =============================================================================
// 🔧 安装终态
// =============================================================================

// installStatusRequest 安装终态回调体
type installStatusRequest struct {
	Successful bool `json:"successful"`
	Reinstall  bool `json:"reinstall,omitempty"`
}

// HandleInstallStatus 终结服务器安装状态
// 成功进入 running，失败进入 errored；重放同一终态不再改行也不再记审计。
func (h *CallbackHandler) HandleInstallStatus(w http.ResponseWriter, r *http.Request) {
	node, err := h.authenticate(r)
	if err != nil {
		h.recordCallback("install", "unauthorized")
		WriteError(w, err, h.logger)
		return
	}

	serverUUID := r.PathValue("uuid")
	server, err := h.ownedServer(r, node, serverUUID)
	if err != nil {
		h.recordCallback("install", "rejected")
		WriteError(w, err, h.logger)
		return
	}

	var req installStatusRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	target := fleet.ServerStatusErrored
	updates := map[string]any{}
	if req.Successful {
		target = fleet.ServerStatusRunning
		if !server.Installed() {
			updates["installed_at"] = time.Now()
		}
	}
	updates["status"] = target

	// 条件更新只命中尚未处于该终态的行；重放同一终态是 no-op
	res := h.db.WithContext(r.Context()).Model(&fleet.ManagedServer{}).
		Where("id = ? AND status <> ?", server.ID, target).
		Updates(updates)
	if res.Error != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to update install state").WithCause(res.Error), h.logger)
		return
	}
	if res.RowsAffected == 0 {
		h.recordCallback("install", "replayed")
		WriteSuccess(w, nil)
		return
	}

	_ = h.recorder.Record(r.Context(), audit.Event{
		Actor:      node.UUID,
		Action:     "server:install.complete",
		TargetType: "server",
		TargetID:   server.UUID,
		Metadata:   map[string]any{"successful": req.Successful, "reinstall": req.Reinstall},
	})

	h.recordCallback("install", "accepted")
	WriteSuccess(w, nil)
}

// =============================================================================
// 🚚 迁移终态
// =============================================================================

// transferStatusRequest 迁移终态回调体
type transferStatusRequest struct {
	Successful bool `json:"successful"`
}

// HandleTransferStatus 终结服务器的迁移
// 迁移期间服务器仍归属源节点，成功信号通常来自目标节点；因此归属校验
// 放宽为"调用节点是活动迁移的源或目标"。没有活动迁移时视为重放，no-op。
func (h *CallbackHandler) HandleTransferStatus(w http.ResponseWriter, r *http.Request) {
	node, err := h.authenticate(r)
	if err != nil {
		h.recordCallback("transfer", "unauthorized")
		WriteError(w, err, h.logger)
		return
	}

	serverUUID := r.PathValue("uuid")
	if serverUUID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "server uuid is required", h.logger)
		return
	}

	var req transferStatusRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var active transfer.Transfer
	err = h.db.WithContext(r.Context()).
		Where("server_uuid = ? AND active_server_id IS NOT NULL", serverUUID).
		First(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 无活动迁移：终态重放
		h.recordCallback("transfer", "replayed")
		WriteSuccess(w, nil)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load transfer").WithCause(err), h.logger)
		return
	}
	if node.ID != active.SourceNodeID && node.ID != active.TargetNodeID {
		h.recordCallback("transfer", "rejected")
		WriteError(w, types.NewError(types.ErrForbidden,
			"node is not a party to this transfer").WithHTTPStatus(http.StatusForbidden), h.logger)
		return
	}

	if err := h.orch.Resolve(r.Context(), serverUUID, req.Successful); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.recordCallback("transfer", "accepted")
	WriteSuccess(w, nil)
}

// =============================================================================
// 💓 节点心跳
// =============================================================================

// heartbeatRequest 心跳回调体，容量字段可选
type heartbeatRequest struct {
	MemoryMB int64 `json:"memory_mb,omitempty"`
	DiskMB   int64 `json:"disk_mb,omitempty"`
}

// HandleHeartbeat 记录节点心跳与申报容量
func (h *CallbackHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	node, err := h.authenticate(r)
	if err != nil {
		h.recordCallback("heartbeat", "unauthorized")
		WriteError(w, err, h.logger)
		return
	}

	var req heartbeatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.nodes.Heartbeat(r.Context(), node.ID, req.MemoryMB, req.DiskMB); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.recordCallback("heartbeat", "accepted")
	WriteSuccess(w, nil)
}
