package transfer

import (
	"encoding/json"
	"time"
)

// ============================================================
// 迁移记录
// ============================================================

// Status 迁移状态机的状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal 报告状态是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transfer 一次服务器迁移
// 行在迁移请求时创建；只由编排器与回调接入修改；永不删除，失败的迁移
// 过了保留窗口后仅置 Archived。
//
// ActiveServerID 是单飞标记：非终态时等于 ServerID 并占用唯一索引，
// 终态时清空。并发 initiate 靠这条唯一约束而不是先查后写来互斥。
type Transfer struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ServerID   uint   `gorm:"not null;index:idx_transfer_server" json:"server_id"`
	ServerUUID string `gorm:"size:36;not null;index:idx_transfer_server_uuid" json:"server_uuid"`

	SourceNodeID uint `gorm:"not null" json:"source_node_id"`
	TargetNodeID uint `gorm:"not null" json:"target_node_id"`

	// 主分配：旧的释放，新的提交
	OldAllocationID uint `gorm:"not null" json:"old_allocation_id"`
	NewAllocationID uint `gorm:"not null" json:"new_allocation_id"`

	// 附加分配 id 集合（JSON 序列化）
	OldAdditionalAllocations string `gorm:"type:text" json:"old_additional_allocations"`
	NewAdditionalAllocations string `gorm:"type:text" json:"new_additional_allocations"`

	Status     Status `gorm:"size:16;not null;default:pending" json:"status"`
	Successful *bool  `json:"successful,omitempty"`
	Archived   bool   `gorm:"default:false" json:"archived"`

	// StartOnCompletion 迁移完成后立即启动（未完成安装的服务器转入 installing）
	StartOnCompletion bool `gorm:"default:false" json:"start_on_completion"`

	ActiveServerID *uint `gorm:"uniqueIndex:idx_transfer_active" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Transfer) TableName() string {
	return "nf_transfers"
}

// OldAdditionalIDs 反序列化旧附加分配 id
func (t *Transfer) OldAdditionalIDs() []uint {
	return decodeIDList(t.OldAdditionalAllocations)
}

// NewAdditionalIDs 反序列化新附加分配 id
func (t *Transfer) NewAdditionalIDs() []uint {
	return decodeIDList(t.NewAdditionalAllocations)
}

func encodeIDList(ids []uint) string {
	if len(ids) == 0 {
		return ""
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeIDList(raw string) []uint {
	if raw == "" {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
