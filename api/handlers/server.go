package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// ⚡ 服务器操作 Handler
// =============================================================================
// 电源动作直达节点代理（变更类，不重试）；资源快照先查缓存，未命中再
// 回源节点并回填。节点不可达与鉴权失败向操作方透出可区分的错误码。
// =============================================================================

// ServerAgent 服务器操作需要的节点代理能力
type ServerAgent interface {
	PowerAction(ctx context.Context, serverUUID string, signal remote.PowerSignal) error
	SendCommand(ctx context.Context, serverUUID string, commands []string) error
	GetResources(ctx context.Context, serverUUID string) (*remote.ResourceSnapshot, error)
}

// ServerAgentFactory 按节点构造代理客户端
type ServerAgentFactory func(node *registry.Node) ServerAgent

// ServerHandler 服务器操作处理器
type ServerHandler struct {
	db       *gorm.DB
	nodes    *registry.Service
	clients  ServerAgentFactory
	cache    *cache.ResourceCache // 可为 nil（未启用 Redis）
	recorder audit.Recorder
	metrics  *metrics.Collector // 可为 nil
	logger   *zap.Logger
}

// NewServerHandler 创建服务器操作处理器
func NewServerHandler(db *gorm.DB, nodes *registry.Service, clients ServerAgentFactory,
	resourceCache *cache.ResourceCache, recorder audit.Recorder, collector *metrics.Collector,
	logger *zap.Logger) *ServerHandler {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &ServerHandler{
		db:       db,
		nodes:    nodes,
		clients:  clients,
		cache:    resourceCache,
		recorder: recorder,
		metrics:  collector,
		logger:   logger,
	}
}

// loadServer 按路由里的数字 id 加载服务器与其节点
func (h *ServerHandler) loadServer(r *http.Request) (*fleet.ManagedServer, *registry.Node, error) {
	id, err := PathID(r, "id")
	if err != nil {
		return nil, nil, err
	}

	var server fleet.ManagedServer
	if err := h.db.WithContext(r.Context()).First(&server, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.NewError(types.ErrNotFound, "server not found").WithHTTPStatus(http.StatusNotFound)
		}
		return nil, nil, types.NewError(types.ErrInternalError, "failed to load server").WithCause(err)
	}

	node, err := h.nodes.Resolve(r.Context(), server.NodeID)
	if err != nil {
		return nil, nil, err
	}
	return &server, node, nil
}

// powerRequest 电源动作请求
type powerRequest struct {
	Action string `json:"action"`
}

// HandlePower 对服务器执行电源动作
func (h *ServerHandler) HandlePower(w http.ResponseWriter, r *http.Request) {
	server, node, err := h.loadServer(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var req powerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	signal := remote.PowerSignal(req.Action)
	if !signal.Valid() {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, types.ErrValidation,
			"action must be one of start, stop, restart, kill", h.logger)
		return
	}
	if server.Status == fleet.ServerStatusSuspended {
		WriteError(w, types.NewError(types.ErrServerSuspended, "server is suspended"), h.logger)
		return
	}

	if err := h.clients(node).PowerAction(r.Context(), server.UUID, signal); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	_ = h.recorder.Record(r.Context(), audit.Event{
		Actor:      types.ActorIDFromContext(r.Context()),
		Action:     "server:power",
		TargetType: "server",
		TargetID:   server.UUID,
		Metadata:   map[string]any{"signal": string(signal)},
	})

	WriteJSON(w, http.StatusAccepted, Response{Success: true})
}

// commandRequest 控制台命令请求
type commandRequest struct {
	Commands []string `json:"commands"`
}

// HandleCommand 向服务器控制台发送命令
func (h *ServerHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	server, node, err := h.loadServer(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var req commandRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Commands) == 0 {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, types.ErrValidation,
			"at least one command is required", h.logger)
		return
	}

	if err := h.clients(node).SendCommand(r.Context(), server.UUID, req.Commands); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{Success: true})
}

// HandleResources 读取服务器资源快照
// 缓存命中直接返回；未命中回源节点代理并回填缓存，节点降级时操作方
// 拿到的是 503 而不是长时间挂起。
func (h *ServerHandler) HandleResources(w http.ResponseWriter, r *http.Request) {
	server, node, err := h.loadServer(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if h.cache != nil {
		if snapshot, err := h.cache.Get(r.Context(), server.UUID); err == nil && snapshot != nil {
			if h.metrics != nil {
				h.metrics.RecordCacheHit("resources")
			}
			WriteSuccess(w, snapshot)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss("resources")
		}
	}

	snapshot, err := h.clients(node).GetResources(r.Context(), server.UUID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if h.cache != nil {
		if err := h.cache.Put(r.Context(), server.UUID, snapshot); err != nil {
			h.logger.Warn("failed to cache resource snapshot",
				zap.String("server", server.UUID), zap.Error(err))
		}
	}
	WriteSuccess(w, snapshot)
}
