package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/registry"
)

// =============================================================================
// 🗄️ 节点管理 Handler
// =============================================================================

// NodeHandler 节点注册表的 HTTP 入口
type NodeHandler struct {
	nodes  *registry.Service
	logger *zap.Logger
}

// NewNodeHandler 创建节点处理器
func NewNodeHandler(nodes *registry.Service, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{nodes: nodes, logger: logger}
}

// NodeCredentials 注册/轮换密钥时一次性下发的配对信息
// 密钥只在这两个响应里出现，之后面板不再吐出。
type NodeCredentials struct {
	Node    *registry.Node `json:"node"`
	TokenID string         `json:"token_id"`
	Token   string         `json:"token"`
}

// HandleRegister 注册新节点
// 响应携带一次性的共享密钥，用于配置节点代理侧。
func (h *NodeHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg registry.NodeConfig
	if err := DecodeJSONBody(w, r, &cfg, h.logger); err != nil {
		return
	}

	node, err := h.nodes.Register(r.Context(), cfg)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{
		Success: true,
		Data: NodeCredentials{
			Node:    node,
			TokenID: node.TokenID,
			Token:   node.Token,
		},
	})
}

// HandleList 列出节点
// ?name= 模糊过滤，?include_maintenance=true 包含维护模式节点。
func (h *NodeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	includeMaintenance, _ := strconv.ParseBool(r.URL.Query().Get("include_maintenance"))
	nodes, err := h.nodes.List(r.Context(), registry.Filter{
		Name:               r.URL.Query().Get("name"),
		IncludeMaintenance: includeMaintenance,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, nodes)
}

// HandleGet 查询单个节点
func (h *NodeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	node, err := h.nodes.Resolve(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, node)
}

// HandleUpdate 更新节点连接参数与申报容量
func (h *NodeHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var cfg registry.NodeConfig
	if err := DecodeJSONBody(w, r, &cfg, h.logger); err != nil {
		return
	}

	node, err := h.nodes.Update(r.Context(), id, cfg)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, node)
}

// maintenanceRequest 维护模式开关请求
type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleMaintenance 切换节点维护模式
func (h *NodeHandler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	var req maintenanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	node, err := h.nodes.SetMaintenance(r.Context(), id, req.Enabled)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, node)
}

// HandleRotateSecret 轮换节点共享密钥
// 旧密钥立即失效，新密钥只在本次响应中出现。
func (h *NodeHandler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	node, err := h.nodes.RotateSecret(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, NodeCredentials{
		Node:    node,
		TokenID: node.TokenID,
		Token:   node.Token,
	})
}

// HandleDelete 删除节点；仍有服务器引用时返回冲突
func (h *NodeHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.nodes.Delete(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
