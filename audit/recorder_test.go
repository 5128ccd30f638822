package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ActivityLog{}))
	return db
}

func TestGormRecorder_Record(t *testing.T) {
	db := setupTestDB(t)
	rec := NewGormRecorder(db, zap.NewNop())

	err := rec.Record(context.Background(), Event{
		Actor:      "user-1",
		Action:     "transfer:initiate",
		TargetType: "server",
		TargetID:   "srv-1",
		Metadata:   map[string]any{"target_node": "node-2"},
	})
	require.NoError(t, err)

	var row ActivityLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "user-1", row.Actor)
	assert.Equal(t, "transfer:initiate", row.Action)
	assert.Contains(t, row.Metadata, "node-2")
	assert.False(t, row.OccurredAt.IsZero())
}

func TestGormRecorder_KeepsCallerTimestamp(t *testing.T) {
	db := setupTestDB(t)
	rec := NewGormRecorder(db, zap.NewNop())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(context.Background(), Event{
		Actor:     "system",
		Action:    "node:heartbeat",
		Timestamp: ts,
	}))

	var row ActivityLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, ts.Unix(), row.OccurredAt.Unix())
}

func TestCaptureRecorder(t *testing.T) {
	cap := &CaptureRecorder{}
	require.NoError(t, cap.Record(context.Background(), Event{Action: "a"}))
	require.NoError(t, cap.Record(context.Background(), Event{Action: "b"}))
	assert.Len(t, cap.Events, 2)
	assert.Equal(t, "b", cap.Events[1].Action)
}
