package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 📋 审计事件记录器
// =============================================================================
// 面板的每一次状态转换都会产生一条审计事件。记录器本身是外部协作方的
// 边界：核心组件只依赖 Recorder 接口，默认实现落到活动日志表。
// =============================================================================

// Event 一条审计事件
type Event struct {
	// Actor 触发者（用户 id、"system" 或节点 uuid）
	Actor string
	// Action 动作名，如 "transfer:initiate"、"schedule:task:run"
	Action string
	// TargetType 目标实体类型，如 "server"、"node"、"backup"
	TargetType string
	// TargetID 目标实体标识
	TargetID string
	// Metadata 附加上下文（不得包含密钥）
	Metadata map[string]any
	// Timestamp 事件时间，零值时由记录器补齐
	Timestamp time.Time
}

// Recorder 审计事件接收方
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// =============================================================================
// 🗄️ GORM 记录器
// =============================================================================

// ActivityLog 活动日志表模型
// 节点代理上报的活动批次与面板自身的审计事件共用这张表。
type ActivityLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Actor      string    `gorm:"size:64;index:idx_activity_actor" json:"actor"`
	Action     string    `gorm:"size:128;not null;index:idx_activity_action" json:"action"`
	TargetType string    `gorm:"size:32" json:"target_type"`
	TargetID   string    `gorm:"size:64;index:idx_activity_target" json:"target_id"`
	Metadata   string    `gorm:"type:text" json:"metadata"` // JSON 序列化
	IP         string    `gorm:"size:45" json:"ip,omitempty"`
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ActivityLog) TableName() string {
	return "nf_activity_logs"
}

// GormRecorder 将审计事件写入活动日志表
type GormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRecorder 创建数据库审计记录器
func NewGormRecorder(db *gorm.DB, logger *zap.Logger) *GormRecorder {
	return &GormRecorder{
		db:     db,
		logger: logger.With(zap.String("component", "audit")),
	}
}

// Record 实现 Recorder
// 审计失败只记日志，不阻塞业务操作。
func (r *GormRecorder) Record(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var meta string
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			r.logger.Warn("failed to encode audit metadata",
				zap.String("action", ev.Action), zap.Error(err))
		} else {
			meta = string(raw)
		}
	}

	row := ActivityLog{
		Actor:      ev.Actor,
		Action:     ev.Action,
		TargetType: ev.TargetType,
		TargetID:   ev.TargetID,
		Metadata:   meta,
		OccurredAt: ev.Timestamp,
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Error("failed to record audit event",
			zap.String("action", ev.Action),
			zap.String("target", ev.TargetID),
			zap.Error(err))
		return err
	}
	return nil
}

// =============================================================================
// 🔇 Nop 记录器（测试用）
// =============================================================================

// NopRecorder 丢弃所有事件
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, ev Event) error { return nil }

// CaptureRecorder 在内存中收集事件，供测试断言
type CaptureRecorder struct {
	Events []Event
}

func (c *CaptureRecorder) Record(ctx context.Context, ev Event) error {
	c.Events = append(c.Events, ev)
	return nil
}
