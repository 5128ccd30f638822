package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BaSui01/nodeflow/types"
)

// ============================================================
// 计划任务
// ============================================================

// cronParser 标准五段 cron，含 @every 等描述符
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule 绑定到一台服务器的定时计划
// 到期由 Runner 拾取；OnlyWhenOnline 的计划在服务器离线时跳过本轮。
type Schedule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	ServerID uint   `gorm:"not null;index:idx_schedule_server" json:"server_id"`
	Name     string `gorm:"size:191;not null" json:"name"`

	CronExpression string `gorm:"size:64;not null" json:"cron_expression"`
	Enabled        bool   `gorm:"default:true" json:"enabled"`
	OnlyWhenOnline bool   `gorm:"default:false" json:"only_when_online"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `gorm:"index:idx_schedule_due" json:"next_run_at,omitempty"`

	Tasks []Task `gorm:"foreignKey:ScheduleID" json:"tasks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Schedule) TableName() string {
	return "nf_schedules"
}

// NextAfter 按 cron 表达式计算某时刻之后的下一次执行时间
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, types.NewError(types.ErrInvalidCron, "invalid cron expression").WithCause(err)
	}
	return sched.Next(t), nil
}

// ValidateCron 校验 cron 表达式
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return types.NewError(types.ErrInvalidCron, "invalid cron expression").WithCause(err)
	}
	return nil
}

// TaskAction 任务动作
type TaskAction string

const (
	ActionCommand TaskAction = "command"
	ActionPower   TaskAction = "power"
	ActionBackup  TaskAction = "backup"
)

// Task 计划中的一步
// Sequence 在同一计划内唯一并决定执行顺序；TimeOffsetSeconds 是相对
// 上一步完成的延迟，不是相对计划触发时刻。
type Task struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	ScheduleID uint       `gorm:"not null;uniqueIndex:idx_task_sequence" json:"schedule_id"`
	Sequence   int        `gorm:"not null;uniqueIndex:idx_task_sequence" json:"sequence"`
	Action     TaskAction `gorm:"size:16;not null" json:"action"`
	Payload    string     `gorm:"type:text" json:"payload"`

	TimeOffsetSeconds int  `gorm:"default:0" json:"time_offset_seconds"`
	ContinueOnFailure bool `gorm:"default:false" json:"continue_on_failure"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string {
	return "nf_tasks"
}
