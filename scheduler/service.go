package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/types"
)

// Service 计划与任务的增删改查
type Service struct {
	db       *gorm.DB
	recorder audit.Recorder
	logger   *zap.Logger
}

// NewService 创建计划服务
func NewService(db *gorm.DB, recorder audit.Recorder, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, recorder: recorder, logger: logger}
}

// ScheduleConfig 创建/更新计划的参数
type ScheduleConfig struct {
	ServerID       uint   `json:"server_id"`
	Name           string `json:"name"`
	CronExpression string `json:"cron_expression"`
	Enabled        bool   `json:"enabled"`
	OnlyWhenOnline bool   `json:"only_when_online"`
}

// Create 创建计划并预计算首次执行时间
func (s *Service) Create(ctx context.Context, cfg ScheduleConfig) (*Schedule, error) {
	if cfg.Name == "" {
		return nil, types.NewError(types.ErrValidation, "schedule name is required")
	}
	if err := ValidateCron(cfg.CronExpression); err != nil {
		return nil, err
	}
	var server fleet.ManagedServer
	if err := s.db.WithContext(ctx).First(&server, cfg.ServerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrNotFound, "server not found")
		}
		return nil, types.NewError(types.ErrInternalError, "failed to load server").WithCause(err)
	}

	schedule := &Schedule{
		ServerID:       server.ID,
		Name:           cfg.Name,
		CronExpression: cfg.CronExpression,
		Enabled:        cfg.Enabled,
		OnlyWhenOnline: cfg.OnlyWhenOnline,
	}
	next, err := schedule.NextAfter(time.Now())
	if err != nil {
		return nil, err
	}
	schedule.NextRunAt = &next

	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to create schedule").WithCause(err)
	}
	s.recorder.Record(ctx, audit.Event{
		Actor:      types.ActorIDFromContext(ctx),
		Action:     "schedule:create",
		TargetType: "schedule",
		TargetID:   fmt.Sprintf("%d", schedule.ID),
		Metadata:   map[string]any{"name": schedule.Name, "cron": schedule.CronExpression},
	})
	return schedule, nil
}

// Update 更新计划；改了 cron 表达式就重算下一次执行时间
func (s *Service) Update(ctx context.Context, id uint, cfg ScheduleConfig) (*Schedule, error) {
	schedule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		schedule.Name = cfg.Name
	}
	if cfg.CronExpression != "" && cfg.CronExpression != schedule.CronExpression {
		if err := ValidateCron(cfg.CronExpression); err != nil {
			return nil, err
		}
		schedule.CronExpression = cfg.CronExpression
		next, nerr := schedule.NextAfter(time.Now())
		if nerr != nil {
			return nil, nerr
		}
		schedule.NextRunAt = &next
	}
	schedule.Enabled = cfg.Enabled
	schedule.OnlyWhenOnline = cfg.OnlyWhenOnline
	if err := s.db.WithContext(ctx).Save(schedule).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to update schedule").WithCause(err)
	}
	return schedule, nil
}

// Get 读取计划（含任务，按序）
func (s *Service) Get(ctx context.Context, id uint) (*Schedule, error) {
	var schedule Schedule
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		First(&schedule, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, types.NewError(types.ErrNotFound, "schedule not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load schedule").WithCause(err)
	}
	return &schedule, nil
}

// List 列出一台服务器的全部计划
func (s *Service) List(ctx context.Context, serverID uint) ([]Schedule, error) {
	var schedules []Schedule
	err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("id").
		Find(&schedules).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list schedules").WithCause(err)
	}
	return schedules, nil
}

// Delete 删除计划及其任务
func (s *Service) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("schedule_id = ?", id).Delete(&Task{}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to delete tasks").WithCause(err)
		}
		res := tx.Delete(&Schedule{}, id)
		if res.Error != nil {
			return types.NewError(types.ErrInternalError, "failed to delete schedule").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrNotFound, "schedule not found")
		}
		return nil
	})
}

// TaskConfig 创建任务的参数
type TaskConfig struct {
	Sequence          int        `json:"sequence"`
	Action            TaskAction `json:"action"`
	Payload           string     `json:"payload"`
	TimeOffsetSeconds int        `json:"time_offset_seconds"`
	ContinueOnFailure bool       `json:"continue_on_failure"`
}

var validActions = map[TaskAction]struct{}{
	ActionCommand: {}, ActionPower: {}, ActionBackup: {},
}

// AddTask 向计划追加一步
// 序号在计划内唯一，撞号走唯一约束报冲突。
func (s *Service) AddTask(ctx context.Context, scheduleID uint, cfg TaskConfig) (*Task, error) {
	if _, ok := validActions[cfg.Action]; !ok {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown task action %q", cfg.Action))
	}
	if cfg.Sequence <= 0 {
		return nil, types.NewError(types.ErrValidation, "task sequence must be positive")
	}
	if _, err := s.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	task := &Task{
		ScheduleID:        scheduleID,
		Sequence:          cfg.Sequence,
		Action:            cfg.Action,
		Payload:           cfg.Payload,
		TimeOffsetSeconds: cfg.TimeOffsetSeconds,
		ContinueOnFailure: cfg.ContinueOnFailure,
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, types.NewError(types.ErrConflict, "task sequence already in use").WithCause(err)
	}
	return task, nil
}

// RemoveTask 删除计划中的一步
func (s *Service) RemoveTask(ctx context.Context, scheduleID, taskID uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND schedule_id = ?", taskID, scheduleID).
		Delete(&Task{})
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "failed to delete task").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, "task not found")
	}
	return nil
}
