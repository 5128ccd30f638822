package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/types"
)

// ============================================================
// ⏰ 计划执行器
// ============================================================

// AgentClient 执行器需要的节点守护进程调用面
type AgentClient interface {
	PowerAction(ctx context.Context, serverUUID string, signal remote.PowerSignal) error
	SendCommand(ctx context.Context, serverUUID string, commands []string) error
	CreateBackup(ctx context.Context, serverUUID string, req remote.BackupRequest) error
	DeleteBackup(ctx context.Context, serverUUID, backupUUID string) error
	GetResources(ctx context.Context, serverUUID string) (*remote.ResourceSnapshot, error)
}

// ClientFactory 按节点构造守护进程客户端
type ClientFactory func(node *registry.Node) AgentClient

// Lease 跨进程租约，多实例部署时防止同一计划被并发执行。
// 单进程部署可以不配，进程内互斥始终生效。
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type taskFunc func(ctx context.Context, server *fleet.ManagedServer, agent AgentClient, task *Task) error

// Runner 轮询到期计划并按序执行任务
// 重叠的同计划触发直接跳过并记一条日志，不排队。
type Runner struct {
	db       *gorm.DB
	nodes    *registry.Service
	clients  ClientFactory
	recorder audit.Recorder
	lease    Lease
	logger   *zap.Logger
	cfg      config.SchedulerConfig
	metrics  *metrics.Collector // 可为 nil

	tasks map[TaskAction]taskFunc

	mu      sync.Mutex
	running map[uint]struct{}
}

// NewRunner 创建计划执行器
func NewRunner(db *gorm.DB, nodes *registry.Service, clients ClientFactory, recorder audit.Recorder, lease Lease, logger *zap.Logger, cfg config.SchedulerConfig) *Runner {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		db:       db,
		nodes:    nodes,
		clients:  clients,
		recorder: recorder,
		lease:    lease,
		logger:   logger.With(zap.String("component", "scheduler")),
		cfg:      cfg,
		running:  map[uint]struct{}{},
	}
	r.tasks = map[TaskAction]taskFunc{
		ActionCommand: r.runCommand,
		ActionPower:   r.runPower,
		ActionBackup:  r.runBackup,
	}
	return r
}

// SetMetrics 挂接指标收集器
func (r *Runner) SetMetrics(collector *metrics.Collector) {
	r.metrics = collector
}

// Run 轮询循环，ctx 取消后返回
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("计划执行器启动", zap.Duration("poll_interval", r.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("计划执行器停止")
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

// runDue 拾取所有到期计划，每个计划独立 goroutine（offset 可能睡很久）
func (r *Runner) runDue(ctx context.Context) {
	var due []Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, time.Now()).
		Find(&due).Error
	if err != nil {
		r.logger.Error("查询到期计划失败", zap.Error(err))
		return
	}
	for i := range due {
		schedule := due[i]
		go func() {
			if err := r.run(ctx, &schedule); err != nil && types.GetErrorCode(err) != types.ErrScheduleRunning {
				r.logger.Warn("计划执行失败",
					zap.Uint("schedule_id", schedule.ID),
					zap.String("schedule", schedule.Name),
					zap.Error(err))
			}
		}()
	}
}

// ExecuteNow 手动触发，与轮询共用同一执行路径
func (r *Runner) ExecuteNow(ctx context.Context, scheduleID uint) error {
	var schedule Schedule
	if err := r.db.WithContext(ctx).First(&schedule, scheduleID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return types.NewError(types.ErrNotFound, "schedule not found")
		}
		return types.NewError(types.ErrInternalError, "failed to load schedule").WithCause(err)
	}
	return r.run(ctx, &schedule)
}

// run 执行一个计划的完整任务序列
func (r *Runner) run(ctx context.Context, schedule *Schedule) error {
	if !r.tryAcquire(schedule.ID) {
		r.logger.Info("计划仍在执行，跳过本轮",
			zap.Uint("schedule_id", schedule.ID),
			zap.String("schedule", schedule.Name))
		return types.NewError(types.ErrScheduleRunning, "schedule is already running")
	}
	defer r.release(schedule.ID)

	if r.lease != nil {
		key := fmt.Sprintf("nodeflow:schedule:%d", schedule.ID)
		ok, err := r.lease.Acquire(ctx, key, r.cfg.LeaseTTL)
		if err != nil {
			return types.NewError(types.ErrInternalError, "failed to acquire schedule lease").WithCause(err)
		}
		if !ok {
			r.logger.Info("计划被其他实例持有，跳过本轮", zap.Uint("schedule_id", schedule.ID))
			return types.NewError(types.ErrScheduleRunning, "schedule is leased by another instance")
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx), key); err != nil {
				r.logger.Warn("释放计划租约失败", zap.Uint("schedule_id", schedule.ID), zap.Error(err))
			}
		}()
	}

	var server fleet.ManagedServer
	if err := r.db.WithContext(ctx).First(&server, schedule.ServerID).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to load schedule's server").WithCause(err)
	}
	if server.Status == fleet.ServerStatusSuspended {
		return types.NewError(types.ErrServerSuspended, "suspended servers do not run schedules")
	}

	node, err := r.nodes.Resolve(ctx, server.NodeID)
	if err != nil {
		return err
	}
	agent := r.clients(node)

	start := time.Now()

	if schedule.OnlyWhenOnline {
		snapshot, rerr := agent.GetResources(ctx, server.UUID)
		if rerr != nil || !snapshot.Online() {
			r.logger.Info("服务器离线，跳过计划",
				zap.Uint("schedule_id", schedule.ID),
				zap.String("server_uuid", server.UUID))
			r.recordRun("skipped_offline")
			return r.advance(ctx, schedule, start, false)
		}
	}

	var tasks []Task
	if err := r.db.WithContext(ctx).
		Where("schedule_id = ?", schedule.ID).
		Order("sequence").
		Find(&tasks).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to load schedule tasks").WithCause(err)
	}

	result := "completed"
	for i := range tasks {
		task := &tasks[i]
		if err := r.sleep(ctx, time.Duration(task.TimeOffsetSeconds)*time.Second); err != nil {
			return err
		}
		terr := r.execTask(ctx, &server, agent, task)
		r.recordTask(ctx, schedule, task, terr)
		if r.metrics != nil {
			status := "success"
			if terr != nil {
				status = "failure"
			}
			r.metrics.RecordTaskRun(string(task.Action), status)
		}
		if terr != nil && !task.ContinueOnFailure {
			r.logger.Warn("任务失败，放弃后续序列",
				zap.Uint("schedule_id", schedule.ID),
				zap.Uint("task_id", task.ID),
				zap.Int("sequence", task.Sequence),
				zap.Error(terr))
			result = "aborted"
			break
		}
	}

	r.recordRun(result)
	return r.advance(ctx, schedule, start, true)
}

func (r *Runner) recordRun(result string) {
	if r.metrics != nil {
		r.metrics.RecordScheduleRun(result)
	}
}

// advance 写回 lastRunAt 与按 cron 重算的 nextRunAt
func (r *Runner) advance(ctx context.Context, schedule *Schedule, start time.Time, ran bool) error {
	next, err := schedule.NextAfter(start)
	if err != nil {
		return err
	}
	updates := map[string]any{"next_run_at": next}
	if ran {
		updates["last_run_at"] = start
	}
	if err := r.db.WithContext(ctx).Model(&Schedule{}).
		Where("id = ?", schedule.ID).
		Updates(updates).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to advance schedule").WithCause(err)
	}
	return nil
}

func (r *Runner) execTask(ctx context.Context, server *fleet.ManagedServer, agent AgentClient, task *Task) error {
	fn, ok := r.tasks[task.Action]
	if !ok {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown task action %q", task.Action))
	}
	taskCtx := ctx
	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}
	return fn(taskCtx, server, agent, task)
}

func (r *Runner) runCommand(ctx context.Context, server *fleet.ManagedServer, agent AgentClient, task *Task) error {
	if task.Payload == "" {
		return types.NewError(types.ErrValidation, "command task has an empty payload")
	}
	return agent.SendCommand(ctx, server.UUID, []string{task.Payload})
}

func (r *Runner) runPower(ctx context.Context, server *fleet.ManagedServer, agent AgentClient, task *Task) error {
	signal := remote.PowerSignal(task.Payload)
	if !signal.Valid() {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown power signal %q", task.Payload))
	}
	return agent.PowerAction(ctx, server.UUID, signal)
}

// runBackup 先按服务器上限轮换旧备份，再发起新备份
// 加锁的备份不参与轮换；行在这里创建，终态由节点代理回调写入。
func (r *Runner) runBackup(ctx context.Context, server *fleet.ManagedServer, agent AgentClient, task *Task) error {
	if err := r.rotateBackups(ctx, server, agent); err != nil {
		return err
	}
	backup := &fleet.Backup{
		ServerID:     server.ID,
		UUID:         uuid.New().String(),
		Name:         fmt.Sprintf("scheduled-%s", time.Now().Format("20060102-150405")),
		IgnoredFiles: task.Payload,
	}
	if err := r.db.WithContext(ctx).Create(backup).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to create backup record").WithCause(err)
	}
	if err := agent.CreateBackup(ctx, server.UUID, remote.BackupRequest{
		BackupUUID:   backup.UUID,
		IgnoredFiles: task.Payload,
	}); err != nil {
		// 派发失败的行永远等不到终态回调，回收掉以免占用备份配额
		if derr := r.db.WithContext(ctx).Delete(&fleet.Backup{}, backup.ID).Error; derr != nil {
			r.logger.Warn("未能回收派发失败的备份行",
				zap.String("backup", backup.UUID), zap.Error(derr))
		}
		return err
	}
	return nil
}

// rotateBackups 超出上限时从最旧的未加锁备份删起
func (r *Runner) rotateBackups(ctx context.Context, server *fleet.ManagedServer, agent AgentClient) error {
	if server.BackupLimit <= 0 {
		return nil
	}
	var backups []fleet.Backup
	if err := r.db.WithContext(ctx).
		Where("server_id = ?", server.ID).
		Order("created_at").
		Find(&backups).Error; err != nil {
		return types.NewError(types.ErrInternalError, "failed to list backups").WithCause(err)
	}
	excess := len(backups) + 1 - server.BackupLimit
	for i := 0; i < len(backups) && excess > 0; i++ {
		b := backups[i]
		if b.IsLocked {
			continue
		}
		if err := agent.DeleteBackup(ctx, server.UUID, b.UUID); err != nil {
			// 节点侧找不到也照删面板侧的行；其余错误（含节点不可达）中止
			// 轮换，节点未确认删除前不能丢面板行，否则归档成孤儿
			if types.GetErrorCode(err) != types.ErrNotFound {
				return err
			}
		}
		if err := r.db.WithContext(ctx).Delete(&fleet.Backup{}, b.ID).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to prune backup").WithCause(err)
		}
		excess--
	}
	if excess > 0 {
		return types.NewError(types.ErrConflict, "backup limit reached and remaining backups are locked")
	}
	return nil
}

// recordTask 每次任务执行都落一条审计，载荷里不含任何密钥
func (r *Runner) recordTask(ctx context.Context, schedule *Schedule, task *Task, taskErr error) {
	metadata := map[string]any{
		"schedule_id": schedule.ID,
		"task_id":     task.ID,
		"sequence":    task.Sequence,
		"action":      string(task.Action),
		"payload":     task.Payload,
	}
	action := "schedule:task.run"
	if taskErr != nil {
		action = "schedule:task.fail"
		metadata["error"] = taskErr.Error()
	}
	r.recorder.Record(ctx, audit.Event{
		Actor:      "scheduler",
		Action:     action,
		TargetType: "schedule",
		TargetID:   fmt.Sprintf("%d", schedule.ID),
		Metadata:   metadata,
	})
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) tryAcquire(scheduleID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[scheduleID]; busy {
		return false
	}
	r.running[scheduleID] = struct{}{}
	return true
}

func (r *Runner) release(scheduleID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, scheduleID)
}
