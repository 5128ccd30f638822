package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/remote"
	"github.com/BaSui01/nodeflow/types"
)

// fakeServerAgent 记录调用并可注入错误
type fakeServerAgent struct {
	mu sync.Mutex

	powerSignals  []remote.PowerSignal
	commands      [][]string
	resourceCalls int

	powerErr    error
	resourceErr error
	snapshot    remote.ResourceSnapshot
}

func (f *fakeServerAgent) PowerAction(_ context.Context, _ string, signal remote.PowerSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerSignals = append(f.powerSignals, signal)
	return f.powerErr
}

func (f *fakeServerAgent) SendCommand(_ context.Context, _ string, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, commands)
	return nil
}

func (f *fakeServerAgent) GetResources(_ context.Context, _ string) (*remote.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resourceCalls++
	if f.resourceErr != nil {
		return nil, f.resourceErr
	}
	snapshot := f.snapshot
	return &snapshot, nil
}

type serverEnv struct {
	db      *gorm.DB
	handler *ServerHandler
	agent   *fakeServerAgent
	server  *fleet.ManagedServer
}

func newServerEnv(t *testing.T, resourceCache *cache.ResourceCache) *serverEnv {
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

	agent := &fakeServerAgent{snapshot: remote.ResourceSnapshot{State: "running", MemoryMB: 1024}}
	nodes := registry.NewService(db, audit.NopRecorder{}, zap.NewNop())
	handler := NewServerHandler(db, nodes,
		func(*registry.Node) ServerAgent { return agent },
		resourceCache, &audit.CaptureRecorder{}, nil, zap.NewNop())

	return &serverEnv{db: db, handler: handler, agent: agent, server: server}
}

func (e *serverEnv) request(t *testing.T, method, path string, payload any) *http.Request {
	t.Helper()
	req := jsonRequest(t, method, path, payload)
	req.SetPathValue("id", "1")
	return req
}

// =============================================================================
// 🧪 电源动作
// =============================================================================

func TestServerHandler_PowerAction(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	env.handler.HandlePower(w, env.request(t, http.MethodPost, "/api/servers/1/power", powerRequest{Action: "start"}))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []remote.PowerSignal{remote.PowerStart}, env.agent.powerSignals)
}

func TestServerHandler_PowerRejectsUnknownSignal(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	env.handler.HandlePower(w, env.request(t, http.MethodPost, "/api/servers/1/power", powerRequest{Action: "explode"}))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, env.agent.powerSignals)
}

func TestServerHandler_PowerRefusedWhileSuspended(t *testing.T) {
	env := newServerEnv(t, nil)
	require.NoError(t, env.db.Model(env.server).Update("status", fleet.ServerStatusSuspended).Error)

	w := httptest.NewRecorder()
	env.handler.HandlePower(w, env.request(t, http.MethodPost, "/api/servers/1/power", powerRequest{Action: "start"}))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, env.agent.powerSignals)
}

func TestServerHandler_PowerMapsConnectivityVsAuthFailure(t *testing.T) {
	env := newServerEnv(t, nil)

	env.agent.powerErr = types.NewError(types.ErrNodeUnreachable, "dial timeout").
		WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	w := httptest.NewRecorder()
	env.handler.HandlePower(w, env.request(t, http.MethodPost, "/api/servers/1/power", powerRequest{Action: "stop"}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NODE_UNREACHABLE", resp.Error.Code)

	env.agent.powerErr = types.NewError(types.ErrNodeAuthFailed, "credential rejected").
		WithHTTPStatus(http.StatusForbidden)
	w = httptest.NewRecorder()
	env.handler.HandlePower(w, env.request(t, http.MethodPost, "/api/servers/1/power", powerRequest{Action: "stop"}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NODE_AUTH_FAILED", resp.Error.Code)
}

func TestServerHandler_Command(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	env.handler.HandleCommand(w, env.request(t, http.MethodPost, "/api/servers/1/commands",
		commandRequest{Commands: []string{"say hi"}}))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.agent.commands, 1)
	assert.Equal(t, []string{"say hi"}, env.agent.commands[0])
}

func TestServerHandler_CommandRequiresPayload(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	env.handler.HandleCommand(w, env.request(t, http.MethodPost, "/api/servers/1/commands", commandRequest{}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// =============================================================================
// 🧪 资源快照（缓存优先）
// =============================================================================

func newResourceCache(t *testing.T) *cache.ResourceCache {
	t.Helper()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return cache.NewResourceCache(manager, 20*time.Second)
}

func TestServerHandler_ResourcesWithoutCache(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	env.handler.HandleResources(w, env.request(t, http.MethodGet, "/api/servers/1/resources", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var snapshot remote.ResourceSnapshot
	decodeData(t, w, &snapshot)
	assert.Equal(t, "running", snapshot.State)
	assert.Equal(t, 1, env.agent.resourceCalls)
}

func TestServerHandler_ResourcesCacheFirst(t *testing.T) {
	env := newServerEnv(t, newResourceCache(t))

	// 首次未命中，回源并回填
	w := httptest.NewRecorder()
	env.handler.HandleResources(w, env.request(t, http.MethodGet, "/api/servers/1/resources", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.agent.resourceCalls)

	// 第二次命中缓存，不再触达节点
	w = httptest.NewRecorder()
	env.handler.HandleResources(w, env.request(t, http.MethodGet, "/api/servers/1/resources", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.agent.resourceCalls)

	var snapshot remote.ResourceSnapshot
	decodeData(t, w, &snapshot)
	assert.Equal(t, int64(1024), snapshot.MemoryMB)
}

func TestServerHandler_ResourcesUnknownServer(t *testing.T) {
	env := newServerEnv(t, nil)

	w := httptest.NewRecorder()
	req := jsonRequest(t, http.MethodGet, "/api/servers/99/resources", nil)
	req.SetPathValue("id", "99")
	env.handler.HandleResources(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
