package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&registry.Node{},
		&fleet.ManagedServer{},
		&fleet.Backup{},
		&Schedule{},
		&Task{},
		&audit.ActivityLog{},
	))
	return db
}

// fakeAgent 记录任务触发的守护进程调用
type fakeAgent struct {
	mu sync.Mutex

	commands      [][]string
	powerSignals  []remote.PowerSignal
	backups       []remote.BackupRequest
	deletedUUIDs  []string
	commandErr    error
	backupErr     error
	deleteErr     error
	resourceState string
}

func (f *fakeAgent) SendCommand(_ context.Context, _ string, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, commands)
	return f.commandErr
}

func (f *fakeAgent) PowerAction(_ context.Context, _ string, signal remote.PowerSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerSignals = append(f.powerSignals, signal)
	return nil
}

func (f *fakeAgent) CreateBackup(_ context.Context, _ string, req remote.BackupRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backupErr != nil {
		return f.backupErr
	}
	f.backups = append(f.backups, req)
	return nil
}

func (f *fakeAgent) DeleteBackup(_ context.Context, _ string, backupUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedUUIDs = append(f.deletedUUIDs, backupUUID)
	return nil
}

func (f *fakeAgent) GetResources(_ context.Context, _ string) (*remote.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.resourceState
	if state == "" {
		state = "running"
	}
	return &remote.ResourceSnapshot{State: state}, nil
}

type runnerEnv struct {
	db       *gorm.DB
	runner   *Runner
	agent    *fakeAgent
	rec      *audit.CaptureRecorder
	server   *fleet.ManagedServer
	schedule *Schedule
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	db := setupTestDB(t)

	node := &registry.Node{
		UUID: "node-1", Name: "n1", Scheme: "http", FQDN: "n1.local", DaemonPort: 8080,
		TokenID: "tokenid000000001", Token: "node-secret",
	}
	require.NoError(t, db.Create(node).Error)

	server := &fleet.ManagedServer{
		UUID: "33333333-3333-3333-3333-333333333333",
		Name: "web-1", NodeID: node.ID, OwnerID: 1, EggID: 1,
		Status: fleet.ServerStatusRunning,
	}
	require.NoError(t, db.Create(server).Error)

	past := time.Now().Add(-time.Minute)
	schedule := &Schedule{
		ServerID:       server.ID,
		Name:           "nightly",
		CronExpression: "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
	require.NoError(t, db.Create(schedule).Error)

	agent := &fakeAgent{}
	rec := &audit.CaptureRecorder{}
	nodes := registry.NewService(db, rec, zap.NewNop())
	cfg := config.SchedulerConfig{PollInterval: 10 * time.Second, TaskTimeout: time.Minute, LeaseTTL: 30 * time.Second}
	runner := NewRunner(db, nodes, func(*registry.Node) AgentClient { return agent }, rec, nil, zap.NewNop(), cfg)

	return &runnerEnv{db: db, runner: runner, agent: agent, rec: rec, server: server, schedule: schedule}
}

func (e *runnerEnv) addTask(t *testing.T, seq int, action TaskAction, payload string, continueOnFailure bool) *Task {
	t.Helper()
	task := &Task{
		ScheduleID: e.schedule.ID, Sequence: seq, Action: action,
		Payload: payload, ContinueOnFailure: continueOnFailure,
	}
	require.NoError(t, e.db.Create(task).Error)
	return task
}

func TestExecuteNow_RunsTasksInSequence(t *testing.T) {
	env := newRunnerEnv(t)
	env.addTask(t, 1, ActionPower, "restart", false)
	env.addTask(t, 2, ActionCommand, "say hello", false)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Equal(t, []remote.PowerSignal{remote.PowerRestart}, env.agent.powerSignals)
	require.Len(t, env.agent.commands, 1)
	assert.Equal(t, []string{"say hello"}, env.agent.commands[0])

	var stored Schedule
	require.NoError(t, env.db.First(&stored, env.schedule.ID).Error)
	require.NotNil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(*stored.LastRunAt))
}

func TestExecuteNow_AbandonsSequenceOnFailure(t *testing.T) {
	env := newRunnerEnv(t)
	env.agent.commandErr = types.NewError(types.ErrNodeUnreachable, "down").WithRetryable(true)
	env.addTask(t, 1, ActionCommand, "first", false)
	env.addTask(t, 2, ActionPower, "restart", false)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Len(t, env.agent.commands, 1)
	assert.Empty(t, env.agent.powerSignals, "task after a failed one must not run")

	// 序列放弃后仍要推进 lastRunAt/nextRunAt
	var stored Schedule
	require.NoError(t, env.db.First(&stored, env.schedule.ID).Error)
	assert.NotNil(t, stored.LastRunAt)
}

func TestExecuteNow_ContinueOnFailureRunsNextTask(t *testing.T) {
	env := newRunnerEnv(t)
	env.agent.commandErr = types.NewError(types.ErrNodeUnreachable, "down").WithRetryable(true)
	env.addTask(t, 1, ActionCommand, "first", true)
	env.addTask(t, 2, ActionPower, "restart", false)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Len(t, env.agent.commands, 1)
	assert.Equal(t, []remote.PowerSignal{remote.PowerRestart}, env.agent.powerSignals)
}

func TestExecuteNow_SkipsOverlappingRun(t *testing.T) {
	env := newRunnerEnv(t)
	env.addTask(t, 1, ActionCommand, "noop", false)

	require.True(t, env.runner.tryAcquire(env.schedule.ID))
	err := env.runner.ExecuteNow(context.Background(), env.schedule.ID)
	assert.Equal(t, types.ErrScheduleRunning, types.GetErrorCode(err))
	env.runner.release(env.schedule.ID)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))
	assert.Len(t, env.agent.commands, 1)
}

type denyLease struct{}

func (denyLease) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (denyLease) Release(context.Context, string) error                        { return nil }

func TestExecuteNow_RespectsLease(t *testing.T) {
	env := newRunnerEnv(t)
	env.runner.lease = denyLease{}
	env.addTask(t, 1, ActionCommand, "noop", false)

	err := env.runner.ExecuteNow(context.Background(), env.schedule.ID)
	assert.Equal(t, types.ErrScheduleRunning, types.GetErrorCode(err))
	assert.Empty(t, env.agent.commands)
}

func TestExecuteNow_OnlyWhenOnlineSkipsOfflineServer(t *testing.T) {
	env := newRunnerEnv(t)
	env.agent.resourceState = "offline"
	require.NoError(t, env.db.Model(&Schedule{}).
		Where("id = ?", env.schedule.ID).
		Update("only_when_online", true).Error)
	env.addTask(t, 1, ActionCommand, "noop", false)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Empty(t, env.agent.commands)
	var stored Schedule
	require.NoError(t, env.db.First(&stored, env.schedule.ID).Error)
	assert.Nil(t, stored.LastRunAt, "skipped run must not count as an execution")
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now()))
}

func TestExecuteNow_RefusesSuspendedServer(t *testing.T) {
	env := newRunnerEnv(t)
	require.NoError(t, env.db.Model(&fleet.ManagedServer{}).
		Where("id = ?", env.server.ID).
		Update("status", fleet.ServerStatusSuspended).Error)

	err := env.runner.ExecuteNow(context.Background(), env.schedule.ID)
	assert.Equal(t, types.ErrServerSuspended, types.GetErrorCode(err))
}

func TestExecuteNow_InvalidPowerPayloadRecordedAsFailure(t *testing.T) {
	env := newRunnerEnv(t)
	env.addTask(t, 1, ActionPower, "explode", false)

	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Empty(t, env.agent.powerSignals)
	var failed bool
	for _, ev := range env.rec.Events {
		if ev.Action == "schedule:task.fail" {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunBackup_RotatesOldestUnlockedBackups(t *testing.T) {
	env := newRunnerEnv(t)
	require.NoError(t, env.db.Model(&fleet.ManagedServer{}).
		Where("id = ?", env.server.ID).
		Update("backup_limit", 2).Error)
	env.server.BackupLimit = 2

	oldest := &fleet.Backup{ServerID: env.server.ID, UUID: "backup-old", Name: "old"}
	locked := &fleet.Backup{ServerID: env.server.ID, UUID: "backup-locked", Name: "keep", IsLocked: true}
	require.NoError(t, env.db.Create(oldest).Error)
	require.NoError(t, env.db.Create(locked).Error)

	env.addTask(t, 1, ActionBackup, "*.log", false)
	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	// 最旧的未加锁备份被轮换掉，加锁的保留
	assert.Equal(t, []string{"backup-old"}, env.agent.deletedUUIDs)
	var remaining []fleet.Backup
	require.NoError(t, env.db.Where("server_id = ?", env.server.ID).Find(&remaining).Error)
	require.Len(t, remaining, 2)

	require.Len(t, env.agent.backups, 1)
	assert.Equal(t, "*.log", env.agent.backups[0].IgnoredFiles)
	assert.NotEmpty(t, env.agent.backups[0].BackupUUID)
}

func TestRunBackup_AllLockedAtLimitFails(t *testing.T) {
	env := newRunnerEnv(t)
	require.NoError(t, env.db.Model(&fleet.ManagedServer{}).
		Where("id = ?", env.server.ID).
		Update("backup_limit", 1).Error)

	require.NoError(t, env.db.Create(&fleet.Backup{
		ServerID: env.server.ID, UUID: "backup-locked", Name: "keep", IsLocked: true,
	}).Error)

	env.addTask(t, 1, ActionBackup, "", false)
	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	assert.Empty(t, env.agent.backups, "backup must not start when rotation cannot free a slot")
}

func TestRunBackup_DispatchFailureReclaimsRow(t *testing.T) {
	env := newRunnerEnv(t)
	env.agent.backupErr = types.NewError(types.ErrNodeUnreachable, "connection refused").WithRetryable(true)

	env.addTask(t, 1, ActionBackup, "", false)
	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	// 派发失败的行必须回收，不能留下永远等不到回调的孤儿行
	var count int64
	require.NoError(t, env.db.Model(&fleet.Backup{}).Where("server_id = ?", env.server.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRunBackup_RotationAbortsWhenNodeUnreachable(t *testing.T) {
	env := newRunnerEnv(t)
	require.NoError(t, env.db.Model(&fleet.ManagedServer{}).
		Where("id = ?", env.server.ID).
		Update("backup_limit", 1).Error)
	env.server.BackupLimit = 1

	require.NoError(t, env.db.Create(&fleet.Backup{
		ServerID: env.server.ID, UUID: "backup-old", Name: "old",
	}).Error)
	env.agent.deleteErr = types.NewError(types.ErrNodeUnreachable, "timeout").WithRetryable(true)

	env.addTask(t, 1, ActionBackup, "", false)
	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))

	// 节点未确认删除：面板行保留，新备份不发起
	var got fleet.Backup
	require.NoError(t, env.db.Where("uuid = ?", "backup-old").First(&got).Error)
	assert.Empty(t, env.agent.backups)
}

func TestRunDue_PicksUpDueSchedulesOnly(t *testing.T) {
	env := newRunnerEnv(t)
	env.addTask(t, 1, ActionCommand, "due", false)

	future := time.Now().Add(time.Hour)
	notDue := &Schedule{
		ServerID: env.server.ID, Name: "later",
		CronExpression: "0 0 * * *", Enabled: true, NextRunAt: &future,
	}
	disabled := &Schedule{
		ServerID: env.server.ID, Name: "off",
		CronExpression: "* * * * *", Enabled: false, NextRunAt: env.schedule.NextRunAt,
	}
	require.NoError(t, env.db.Create(notDue).Error)
	require.NoError(t, env.db.Create(disabled).Error)

	env.runner.runDue(context.Background())

	assert.Eventually(t, func() bool {
		env.agent.mu.Lock()
		defer env.agent.mu.Unlock()
		return len(env.agent.commands) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTaskOffsetDelaysExecution(t *testing.T) {
	env := newRunnerEnv(t)
	task := env.addTask(t, 1, ActionCommand, "delayed", false)
	require.NoError(t, env.db.Model(task).Update("time_offset_seconds", 1).Error)

	start := time.Now()
	require.NoError(t, env.runner.ExecuteNow(context.Background(), env.schedule.ID))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Len(t, env.agent.commands, 1)
}
