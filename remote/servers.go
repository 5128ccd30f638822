package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/nodeflow/types"
)

// =============================================================================
// ⚡ 服务器生命周期操作
// =============================================================================

// PowerSignal 电源动作
type PowerSignal string

const (
	PowerStart   PowerSignal = "start"
	PowerStop    PowerSignal = "stop"
	PowerRestart PowerSignal = "restart"
	PowerKill    PowerSignal = "kill"
)

var validSignals = map[PowerSignal]struct{}{
	PowerStart: {}, PowerStop: {}, PowerRestart: {}, PowerKill: {},
}

// Valid 报告是否为已知电源信号
func (s PowerSignal) Valid() bool {
	_, ok := validSignals[s]
	return ok
}

// PowerAction 对服务器执行电源动作
// 变更类调用：不重试，失败直接上报（节点代理侧的执行不保证幂等）。
func (c *Client) PowerAction(ctx context.Context, serverUUID string, signal PowerSignal) error {
	if _, ok := validSignals[signal]; !ok {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown power signal %q", signal)).WithHTTPStatus(422)
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/power", serverUUID),
		map[string]string{"action": string(signal)}, nil, false)
}

// SendCommand 向服务器控制台发送命令
func (c *Client) SendCommand(ctx context.Context, serverUUID string, commands []string) error {
	if len(commands) == 0 {
		return types.NewError(types.ErrValidation, "at least one command is required").WithHTTPStatus(422)
	}
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/commands", serverUUID),
		map[string][]string{"commands": commands}, nil, false)
}

// Reinstall 触发服务器重装
func (c *Client) Reinstall(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/reinstall", serverUUID), nil, nil, false)
}

// Suspend 挂起服务器
func (c *Client) Suspend(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/suspend", serverUUID), nil, nil, false)
}

// Unsuspend 解除挂起
func (c *Client) Unsuspend(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/unsuspend", serverUUID), nil, nil, false)
}

// Delete 从节点上删除服务器
func (c *Client) Delete(ctx context.Context, serverUUID string) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/servers/%s", serverUUID), nil, nil, false)
}

// =============================================================================
// 📈 资源快照
// =============================================================================

// ResourceSnapshot 服务器当前资源占用
type ResourceSnapshot struct {
	State      string  `json:"state"` // offline, starting, running, stopping
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	DiskMB     int64   `json:"disk_mb"`
	NetworkRx  int64   `json:"network_rx_bytes"`
	NetworkTx  int64   `json:"network_tx_bytes"`
	Uptime     int64   `json:"uptime_ms"`
}

// Online 报告快照是否处于在线状态
func (r *ResourceSnapshot) Online() bool {
	return r.State != "" && r.State != "offline"
}

// GetResources 获取服务器实时资源快照
// 幂等读：带退避重试。
func (c *Client) GetResources(ctx context.Context, serverUUID string) (*ResourceSnapshot, error) {
	var out ResourceSnapshot
	err := c.getWithRetry(ctx, fmt.Sprintf("/api/servers/%s/resources", serverUUID), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
