package remote

import (
	"context"
	"fmt"
	"net/http"
)

// =============================================================================
// 💾 备份操作
// =============================================================================
// 备份在节点代理侧异步执行：CreateBackup 返回即表示已受理，最终结果由
// 节点代理回调面板的备份状态端点终结。
// =============================================================================

// BackupRequest 创建备份的参数
type BackupRequest struct {
	// BackupUUID 面板预先生成的备份标识，回调按它定位行
	BackupUUID string `json:"uuid"`
	// IgnoredFiles 备份时排除的文件模式
	IgnoredFiles string `json:"ignored_files,omitempty"`
}

// BackupDetail 节点上一个备份归档的描述
type BackupDetail struct {
	UUID         string `json:"uuid"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	ChecksumType string `json:"checksum_type"`
}

// CreateBackup 请求节点代理开始一次备份
func (c *Client) CreateBackup(ctx context.Context, serverUUID string, req BackupRequest) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/backup", serverUUID), req, nil, false)
}

// ListBackups 列出节点上某服务器现存的备份归档（幂等读，带重试）
// 用于对账：面板行与节点归档可能因回调丢失而不一致。
func (c *Client) ListBackups(ctx context.Context, serverUUID string) ([]BackupDetail, error) {
	var out []BackupDetail
	if err := c.getWithRetry(ctx,
		fmt.Sprintf("/api/servers/%s/backups", serverUUID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreBackup 请求节点代理从备份恢复
// truncate 为 true 时先清空服务器目录。
func (c *Client) RestoreBackup(ctx context.Context, serverUUID, backupUUID string, truncate bool) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/servers/%s/backup/%s/restore", serverUUID, backupUUID),
		map[string]bool{"truncate_directory": truncate}, nil, true)
}

// DeleteBackup 删除节点上的备份归档
func (c *Client) DeleteBackup(ctx context.Context, serverUUID, backupUUID string) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/servers/%s/backup/%s", serverUUID, backupUUID), nil, nil, false)
}
