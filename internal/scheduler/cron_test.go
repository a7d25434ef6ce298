package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanRunner struct {
	calls chan MaintenancePayload
	err   error
}

func (c *chanRunner) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	select {
	case c.calls <- payload:
	case <-ctx.Done():
	}
	return "", c.err
}

func TestCron_ScheduleValidation(t *testing.T) {
	c := NewCron(&chanRunner{calls: make(chan MaintenancePayload, 1)}, cleanupTestLogger())

	require.NoError(t, c.Schedule("0 * * * *", TaskSyncSubscriptions))
	require.NoError(t, c.Schedule("@daily", TaskPurgeEventLedger))
	assert.Equal(t, 2, c.Len())

	assert.Error(t, c.Schedule("every hour", TaskPurgeSessions))
	assert.Error(t, c.Schedule("0 * * * *", "rebuild_index"))
	assert.Equal(t, 2, c.Len())
}

func TestCron_TriggersRunner(t *testing.T) {
	runner := &chanRunner{calls: make(chan MaintenancePayload, 4), err: errors.New("provider down")}
	c := NewCron(runner, cleanupTestLogger())
	require.NoError(t, c.Schedule("@every 1s", TaskSyncSubscriptions))

	c.Start()
	select {
	case p := <-runner.calls:
		assert.Equal(t, TaskSyncSubscriptions, p.Task)
		assert.Nil(t, p.ReferenceTime)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
}
