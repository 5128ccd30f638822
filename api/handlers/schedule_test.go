package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/scheduler"
)

// fakeScheduleAgent 满足执行器的完整调用面
type fakeScheduleAgent struct {
	mu       sync.Mutex
	commands [][]string
}

func (f *fakeScheduleAgent) PowerAction(context.Context, string, remote.PowerSignal) error { return nil }

func (f *fakeScheduleAgent) SendCommand(_ context.Context, _ string, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, commands)
	return nil
}

func (f *fakeScheduleAgent) CreateBackup(context.Context, string, remote.BackupRequest) error {
	return nil
}
func (f *fakeScheduleAgent) DeleteBackup(context.Context, string, string) error { return nil }
func (f *fakeScheduleAgent) GetResources(context.Context, string) (*remote.ResourceSnapshot, error) {
	return &remote.ResourceSnapshot{State: "running"}, nil
}

type scheduleEnv struct {
	db      *gorm.DB
	handler *ScheduleHandler
	agent   *fakeScheduleAgent
	server  *fleet.ManagedServer
}

func newScheduleEnv(t *testing.T) *scheduleEnv {
	t.Helper()
	db := setupTestDB(t)

	node := &registry.Node{
		UUID: "node-1", Name: "n1", Scheme: "http", FQDN: "n1.local", DaemonPort: 8080,
		TokenID: "tok", Token: "sec",
	}
	require.NoError(t, db.Create(node).Error)

	installedAt := time.Now().Add(-time.Hour)
	server := &fleet.ManagedServer{
		UUID: "srv-1", Name: "one", NodeID: node.ID, OwnerID: 1, EggID: 1,
		Status: fleet.ServerStatusRunning, InstalledAt: &installedAt,
	}
	require.NoError(t, db.Create(server).Error)

	agent := &fakeScheduleAgent{}
	nodes := registry.NewService(db, audit.NopRecorder{}, zap.NewNop())
	svc := scheduler.NewService(db, audit.NopRecorder{}, zap.NewNop())
	runner := scheduler.NewRunner(db, nodes,
		func(*registry.Node) scheduler.AgentClient { return agent },
		audit.NopRecorder{}, nil, zap.NewNop(),
		config.SchedulerConfig{TaskTimeout: 5 * time.Second})

	return &scheduleEnv{
		db:      db,
		handler: NewScheduleHandler(svc, runner, zap.NewNop()),
		agent:   agent,
		server:  server,
	}
}

func (e *scheduleEnv) createSchedule(t *testing.T) scheduler.Schedule {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.HandleCreate(w, jsonRequest(t, http.MethodPost, "/api/schedules", scheduler.ScheduleConfig{
		ServerID:       e.server.ID,
		Name:           "nightly",
		CronExpression: "0 3 * * *",
		Enabled:        true,
	}))
	require.Equal(t, http.StatusCreated, w.Code)
	var schedule scheduler.Schedule
	decodeData(t, w, &schedule)
	return schedule
}

func TestScheduleHandler_CreateComputesNextRun(t *testing.T) {
	env := newScheduleEnv(t)

	schedule := env.createSchedule(t)
	assert.NotZero(t, schedule.ID)
	require.NotNil(t, schedule.NextRunAt)
	assert.Equal(t, 3, schedule.NextRunAt.Hour())
}

func TestScheduleHandler_CreateRejectsBadCron(t *testing.T) {
	env := newScheduleEnv(t)

	w := httptest.NewRecorder()
	env.handler.HandleCreate(w, jsonRequest(t, http.MethodPost, "/api/schedules", scheduler.ScheduleConfig{
		ServerID:       env.server.ID,
		Name:           "bad",
		CronExpression: "not a cron",
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestScheduleHandler_AddTaskAndExecute(t *testing.T) {
	env := newScheduleEnv(t)
	schedule := env.createSchedule(t)

	w := httptest.NewRecorder()
	req := jsonRequest(t, http.MethodPost, "/api/schedules/1/tasks", scheduler.TaskConfig{
		Sequence: 1,
		Action:   scheduler.ActionCommand,
		Payload:  "save-all",
	})
	req.SetPathValue("id", "1")
	env.handler.HandleAddTask(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/schedules/1/execute", nil)
	req.SetPathValue("id", "1")
	env.handler.HandleExecute(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, env.agent.commands, 1)
	assert.Equal(t, []string{"save-all"}, env.agent.commands[0])

	// 手动触发也推进 nextRunAt/lastRunAt
	var got scheduler.Schedule
	require.NoError(t, env.db.First(&got, schedule.ID).Error)
	assert.NotNil(t, got.LastRunAt)
}

func TestScheduleHandler_AddTaskDuplicateSequenceConflicts(t *testing.T) {
	env := newScheduleEnv(t)
	env.createSchedule(t)

	add := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := jsonRequest(t, http.MethodPost, "/api/schedules/1/tasks", scheduler.TaskConfig{
			Sequence: 1,
			Action:   scheduler.ActionCommand,
			Payload:  "whoami",
		})
		req.SetPathValue("id", "1")
		env.handler.HandleAddTask(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, add().Code)
	assert.Equal(t, http.StatusConflict, add().Code)
}

func TestScheduleHandler_ExecuteUnknownSchedule(t *testing.T) {
	env := newScheduleEnv(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/schedules/99/execute", nil)
	req.SetPathValue("id", "99")
	env.handler.HandleExecute(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleHandler_DeleteCascades(t *testing.T) {
	env := newScheduleEnv(t)
	schedule := env.createSchedule(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/schedules/1", nil)
	req.SetPathValue("id", "1")
	env.handler.HandleDelete(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	var count int64
	require.NoError(t, env.db.Model(&scheduler.Schedule{}).Where("id = ?", schedule.ID).Count(&count).Error)
	assert.Zero(t, count)
}
