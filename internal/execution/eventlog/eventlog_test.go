package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperMode() string { return "paper" }

func TestLoggerWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "1.2.3", paperMode, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Record(events.Event{
		Type:      events.OrderDispatched,
		Module:    "order_router",
		Timestamp: now,
		Data:      map[string]interface{}{"asset": "BTC/USD"},
	})
	l.Close()

	path := filepath.Join(dir, "execution_events_2024-06-01.ndjson")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry Entry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "order_dispatched", entry.EventType)
	assert.Equal(t, "paper", entry.Mode)
	assert.Equal(t, "1.2.3", entry.ServiceVersion)
	assert.Equal(t, "BTC/USD", entry.Data["asset"])
	assert.False(t, scanner.Scan())
}

func TestLoggerRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "1.0.0", paperMode, zerolog.Nop())
	require.NoError(t, err)

	l.Record(events.Event{Type: events.StrategyLoaded, Timestamp: time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)})
	l.Record(events.Event{Type: events.StrategyExpired, Timestamp: time.Date(2024, 6, 2, 0, 1, 0, 0, time.UTC)})
	l.Close()

	assert.FileExists(t, filepath.Join(dir, "execution_events_2024-06-01.ndjson"))
	assert.FileExists(t, filepath.Join(dir, "execution_events_2024-06-02.ndjson"))
}

func TestRecentNewestFirstAndBounded(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "1.0.0", paperMode, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < defaultRingSize+10; i++ {
		l.Record(events.Event{
			Type:      events.PositionUpdated,
			Timestamp: time.Now().UTC(),
			Data:      map[string]interface{}{"seq": fmt.Sprintf("%d", i)},
		})
	}

	all := l.Recent(0)
	require.Len(t, all, defaultRingSize)
	assert.Equal(t, fmt.Sprintf("%d", defaultRingSize+9), all[0].Data["seq"])

	top := l.Recent(3)
	require.Len(t, top, 3)
	assert.Equal(t, fmt.Sprintf("%d", defaultRingSize+9), top[0].Data["seq"])
	assert.Equal(t, fmt.Sprintf("%d", defaultRingSize+7), top[2].Data["seq"])
}

func TestNewFailsOnUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(dir, 0o555))
	_, err := New(dir, "1.0.0", paperMode, zerolog.Nop())
	assert.Error(t, err)
}
