package remote

import (
	"context"
	"fmt"
	"net/http"
)

// =============================================================================
// 🚚 迁移操作
// =============================================================================
// 迁移涉及两个节点：源节点导出归档，目标节点凭一次性凭证从源节点拉取并
// 落地。真正的终态由目标节点回调面板决定。
// =============================================================================

// TransferStatus 节点代理侧的迁移状态
type TransferStatus struct {
	// State: pending, archiving, pushing, importing, completed, failed, cancelled
	State    string `json:"state"`
	Progress int    `json:"progress"` // 0-100
}

// Terminal 报告节点代理侧是否已终结
func (t *TransferStatus) Terminal() bool {
	switch t.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// ArchiveRequest 源节点导出归档的参数
type ArchiveRequest struct {
	ServerUUID string `json:"server"`
}

// StartArchive 让源节点开始导出服务器归档
func (c *Client) StartArchive(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/archive", serverUUID),
		ArchiveRequest{ServerUUID: serverUUID}, nil, true)
}

// TransferRequest 目标节点接收迁移的参数
type TransferRequest struct {
	ServerUUID string `json:"server"`
	// SourceURL 源节点归档下载地址
	SourceURL string `json:"url"`
	// Token 访问源节点归档的一次性凭证（scope=transfer）
	Token string `json:"token"`
}

// RequestTransfer 让目标节点从源节点拉取归档并落地
func (c *Client) RequestTransfer(ctx context.Context, req TransferRequest) error {
	return c.do(ctx, http.MethodPost, "/api/transfers", req, nil, true)
}

// GetTransferStatus 查询节点代理侧的迁移状态（幂等读，带重试）
// 编排器重启后的对账路径依赖它。
func (c *Client) GetTransferStatus(ctx context.Context, serverUUID string) (*TransferStatus, error) {
	var out TransferStatus
	err := c.getWithRetry(ctx, fmt.Sprintf("/api/servers/%s/transfer/status", serverUUID), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTransfer 请求节点代理中止迁移
// 仅在目标节点发出不可逆进度信号前有效。
func (c *Client) CancelTransfer(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/servers/%s/transfer", serverUUID), nil, nil, false)
}
