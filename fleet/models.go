package fleet

import (
	"encoding/json"
	"time"
)

// ============================================================
// 受管服务器
// ============================================================

// ServerStatus 服务器生命周期状态
type ServerStatus string

const (
	ServerStatusInstalling   ServerStatus = "installing"
	ServerStatusRunning      ServerStatus = "running"
	ServerStatusSuspended    ServerStatus = "suspended"
	ServerStatusTransferring ServerStatus = "transferring"
	ServerStatusErrored      ServerStatus = "errored"
)

// ManagedServer 受管服务器
// 面板中的一个应用实例。UUID 是节点代理侧使用的身份；NodeID 任何时刻
// 有且只有一个（迁移期间仍指向源节点，完成后才切换）。
type ManagedServer struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	UUID    string `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	Name    string `gorm:"size:191;not null" json:"name"`
	NodeID  uint   `gorm:"not null;index:idx_server_node" json:"node_id"`
	OwnerID uint   `gorm:"not null;index:idx_server_owner" json:"owner_id"`
	EggID   uint   `gorm:"not null" json:"egg_id"` // 模板（egg）引用

	Status         ServerStatus `gorm:"size:20;not null;default:installing" json:"status"`
	Image          string       `gorm:"size:191;not null" json:"image"`
	StartupCommand string       `gorm:"type:text" json:"startup_command"`
	Environment    string       `gorm:"type:text" json:"environment"` // JSON 序列化的环境变量

	// 资源限额
	MemoryMB int64 `gorm:"default:0" json:"memory_mb"`
	DiskMB   int64 `gorm:"default:0" json:"disk_mb"`
	CPULimit int   `gorm:"default:0" json:"cpu_limit"` // 百分比，0 表示不限

	// 备份数量上限（调度备份轮换时使用，0 表示不限）
	BackupLimit int `gorm:"default:0" json:"backup_limit"`

	// InstalledAt 安装完成时间，迁移完成时用它判断恢复到 running 还是 installing
	InstalledAt *time.Time `json:"installed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ManagedServer) TableName() string {
	return "nf_servers"
}

// EnvironmentMap 反序列化环境变量
func (s *ManagedServer) EnvironmentMap() map[string]string {
	if s.Environment == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(s.Environment), &out); err != nil {
		return map[string]string{}
	}
	return out
}

// SetEnvironment 序列化并写入环境变量
func (s *ManagedServer) SetEnvironment(env map[string]string) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.Environment = string(raw)
	return nil
}

// Installed 报告服务器是否完成过安装
func (s *ManagedServer) Installed() bool {
	return s.InstalledAt != nil
}

// ============================================================
// 网络分配
// ============================================================

// Allocation 节点上的一条 ip:port 分配
// (NodeID, IP, Port) 全局唯一；ServerID 为空表示空闲，可被服务器占用；
// 一台服务器至多一条 IsPrimary 的分配。
type Allocation struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	NodeID uint   `gorm:"not null;uniqueIndex:idx_alloc_endpoint;index:idx_alloc_node" json:"node_id"`
	IP     string `gorm:"size:45;not null;uniqueIndex:idx_alloc_endpoint" json:"ip"`
	Port   int    `gorm:"not null;uniqueIndex:idx_alloc_endpoint" json:"port"`
	Alias  string `gorm:"size:191" json:"alias,omitempty"`
	Notes  string `gorm:"size:191" json:"notes,omitempty"`

	ServerID  *uint `gorm:"index:idx_alloc_server" json:"server_id,omitempty"`
	IsPrimary bool  `gorm:"default:false" json:"is_primary"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Allocation) TableName() string {
	return "nf_allocations"
}

// Free 报告分配是否未被任何服务器占用
func (a *Allocation) Free() bool {
	return a.ServerID == nil
}

// ============================================================
// 备份
// ============================================================

// Backup 服务器备份
// 行在请求备份时创建，仅由节点代理的回调终结（写入校验和、大小与
// 成败标记）。IsLocked 的备份不参与轮换清理。
type Backup struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	ServerID uint   `gorm:"not null;index:idx_backup_server" json:"server_id"`
	UUID     string `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	Name     string `gorm:"size:191;not null" json:"name"`

	IgnoredFiles string `gorm:"type:text" json:"ignored_files"`
	Checksum     string `gorm:"size:128" json:"checksum"`
	ChecksumType string `gorm:"size:16" json:"checksum_type"`
	Bytes        int64  `gorm:"default:0" json:"bytes"`

	IsSuccessful bool `gorm:"default:false" json:"is_successful"`
	IsLocked     bool `gorm:"default:false" json:"is_locked"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Backup) TableName() string {
	return "nf_backups"
}

// Completed 报告备份是否已终结（回调已处理过）
func (b *Backup) Completed() bool {
	return b.CompletedAt != nil
}
