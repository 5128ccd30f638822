package registry

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Node{}, &fleet.ManagedServer{}, &audit.ActivityLog{}))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *audit.CaptureRecorder) {
	t.Helper()
	db := setupTestDB(t)
	rec := &audit.CaptureRecorder{}
	return NewService(db, rec, zap.NewNop()), db, rec
}

func TestService_Register(t *testing.T) {
	svc, _, rec := newTestService(t)

	node, err := svc.Register(context.Background(), NodeConfig{
		Name: "node-1",
		FQDN: "n1.example.com",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, node.UUID)
	assert.Len(t, node.TokenID, 16)
	assert.Len(t, node.Token, 64)
	assert.Equal(t, "https", node.Scheme)
	assert.Equal(t, 8443, node.DaemonPort)
	assert.Equal(t, "https://n1.example.com:8443", node.BaseURL())

	require.Len(t, rec.Events, 1)
	assert.Equal(t, "node:register", rec.Events[0].Action)
}

func TestService_Register_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, NodeConfig{FQDN: "x"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = svc.Register(ctx, NodeConfig{Name: "x"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = svc.Register(ctx, NodeConfig{Name: "x", FQDN: "y", Scheme: "ftp"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestService_List_FiltersMaintenance(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	n1, err := svc.Register(ctx, NodeConfig{Name: "alpha", FQDN: "a.example.com"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, NodeConfig{Name: "beta", FQDN: "b.example.com"})
	require.NoError(t, err)

	require.NoError(t, db.Model(&Node{}).Where("id = ?", n1.ID).
		Update("maintenance_mode", true).Error)

	nodes, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "beta", nodes[0].Name)

	nodes, err = svc.List(ctx, Filter{IncludeMaintenance: true})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	nodes, err = svc.List(ctx, Filter{Name: "bet", IncludeMaintenance: true})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "beta", nodes[0].Name)
}

func TestService_Resolve_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Resolve(context.Background(), 999)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestService_ResolveByTokenID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, NodeConfig{Name: "n", FQDN: "n.example.com"})
	require.NoError(t, err)

	got, err := svc.ResolveByTokenID(ctx, node.TokenID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)
	assert.True(t, got.VerifySecret(node.Token))
	assert.False(t, got.VerifySecret("wrong"))

	_, err = svc.ResolveByTokenID(ctx, "nope")
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestService_Update(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, NodeConfig{Name: "node-1", FQDN: "n1.example.com"})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, node.ID, NodeConfig{
		Name:     "node-1b",
		FQDN:     "n1b.example.com",
		Scheme:   "http",
		MemoryMB: 4096,
		DiskMB:   10240,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-1b", updated.Name)
	assert.Equal(t, "http://n1b.example.com:8443", updated.BaseURL())
	assert.Equal(t, int64(4096), updated.MemoryMB)

	// 密钥不随普通更新变化
	assert.Equal(t, node.TokenID, updated.TokenID)
	assert.Equal(t, node.Token, updated.Token)

	_, err = svc.Update(ctx, node.ID, NodeConfig{FQDN: "x"})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	require.Len(t, rec.Events, 2)
	assert.Equal(t, "node:update", rec.Events[1].Action)
}

func TestService_Heartbeat(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, NodeConfig{Name: "n", FQDN: "n.example.com"})
	require.NoError(t, err)
	require.Nil(t, node.LastSeenAt)

	require.NoError(t, svc.Heartbeat(ctx, node.ID, 16384, 512000))

	var got Node
	require.NoError(t, db.First(&got, node.ID).Error)
	assert.NotNil(t, got.LastSeenAt)
	assert.Equal(t, int64(16384), got.MemoryMB)
	assert.Equal(t, int64(512000), got.DiskMB)

	err = svc.Heartbeat(ctx, 999, 0, 0)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestService_RotateSecret(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, NodeConfig{Name: "n", FQDN: "n.example.com"})
	require.NoError(t, err)
	oldID, oldToken := node.TokenID, node.Token

	rotated, err := svc.RotateSecret(ctx, node.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, rotated.TokenID)
	assert.NotEqual(t, oldToken, rotated.Token)

	// old credential no longer resolves
	_, err = svc.ResolveByTokenID(ctx, oldID)
	assert.Error(t, err)

	var actions []string
	for _, ev := range rec.Events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, "node:rotate-secret")
}

func TestService_Delete_RefusedWhileReferenced(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, NodeConfig{Name: "n", FQDN: "n.example.com"})
	require.NoError(t, err)

	require.NoError(t, db.Create(&fleet.ManagedServer{
		UUID: "11111111-1111-1111-1111-111111111111", Name: "srv",
		NodeID: node.ID, OwnerID: 1, EggID: 1, Image: "java:21",
		Status: fleet.ServerStatusRunning,
	}).Error)

	err = svc.Delete(ctx, node.ID)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	require.NoError(t, db.Where("node_id = ?", node.ID).Delete(&fleet.ManagedServer{}).Error)
	assert.NoError(t, svc.Delete(ctx, node.ID))
}
