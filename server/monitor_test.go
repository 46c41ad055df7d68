package server

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/aggregator/am"
)

func TestResourceMonitor_Sample(t *testing.T) {
	m, err := NewResourceMonitor(am.MonitorConfig{ResourceLogPath: "unused.csv"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, m.interval)

	sample, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, sample.RSS)
	assert.GreaterOrEqual(t, sample.VMS, sample.RSS)
	assert.GreaterOrEqual(t, sample.CPUPercent, 0.0)
}

func TestResourceMonitor_RunWritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource_usage.csv")
	m, err := NewResourceMonitor(am.MonitorConfig{ResourceLogPath: path, IntervalMS: 10}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Samples() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(rows), 4)
	assert.Equal(t, resourceHeader, rows[0])
	assert.Len(t, rows[1], len(resourceHeader))
}

func TestNewResourceMonitor_RequiresPath(t *testing.T) {
	_, err := NewResourceMonitor(am.MonitorConfig{}, nil)
	assert.Error(t, err)
}
