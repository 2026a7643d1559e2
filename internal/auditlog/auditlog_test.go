//go:build !integration && !e2e
// +build !integration,!e2e

package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteAndRun_PersistsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	store.Write(Record{
		Timestamp:  time.Now(),
		RequestID:  "req-1",
		Model:      "gpt-4",
		Host:       "api.openai.com",
		Rotations:  1,
		StatusCode: 200,
		LatencyMs:  12.5,
	})

	// Give the background goroutine a chance to drain before shutdown,
	// then rely on drain-on-cancel to flush any stragglers.
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.NoError(t, store.Close())

	db, err := Open(path, nil)
	require.NoError(t, err)
	defer db.db.Close()

	var count int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM audit_records WHERE request_id = ?`, "req-1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStore_Write_DropsWhenChannelFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.db.Close()

	for i := 0; i < channelCapacity+10; i++ {
		store.Write(Record{RequestID: "overflow"})
	}
	assert.LessOrEqual(t, len(store.ch), channelCapacity)
}
