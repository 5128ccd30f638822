package fleet

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ManagedServer{}, &Allocation{}, &Backup{}))
	return db
}

func TestManagedServer_Environment(t *testing.T) {
	s := &ManagedServer{}
	require.NoError(t, s.SetEnvironment(map[string]string{"SERVER_PORT": "25565"}))
	assert.Equal(t, "25565", s.EnvironmentMap()["SERVER_PORT"])

	s.Environment = "not json"
	assert.Empty(t, s.EnvironmentMap())
}

func TestManagedServer_Installed(t *testing.T) {
	s := &ManagedServer{}
	assert.False(t, s.Installed())

	now := time.Now()
	s.InstalledAt = &now
	assert.True(t, s.Installed())
}

func TestAllocation_EndpointUniquePerNode(t *testing.T) {
	db := setupTestDB(t)

	a := Allocation{NodeID: 1, IP: "10.0.0.5", Port: 25565}
	require.NoError(t, db.Create(&a).Error)

	// same endpoint on the same node must be rejected
	dup := Allocation{NodeID: 1, IP: "10.0.0.5", Port: 25565}
	assert.Error(t, db.Create(&dup).Error)

	// same endpoint on another node is fine
	other := Allocation{NodeID: 2, IP: "10.0.0.5", Port: 25565}
	assert.NoError(t, db.Create(&other).Error)
}

func TestAllocation_Free(t *testing.T) {
	a := &Allocation{}
	assert.True(t, a.Free())

	sid := uint(7)
	a.ServerID = &sid
	assert.False(t, a.Free())
}

func TestBackup_Completed(t *testing.T) {
	db := setupTestDB(t)

	b := Backup{ServerID: 1, UUID: uuid.NewString(), Name: "nightly"}
	require.NoError(t, db.Create(&b).Error)
	assert.False(t, b.Completed())

	now := time.Now()
	b.CompletedAt = &now
	b.IsSuccessful = true
	require.NoError(t, db.Save(&b).Error)

	var got Backup
	require.NoError(t, db.First(&got, b.ID).Error)
	assert.True(t, got.Completed())
	assert.True(t, got.IsSuccessful)
}
