package backup

import (
	"testing"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(token string, next time.Time) *queuedJob {
	return &queuedJob{job: interfaces.RetryJob{
		Snapshot:    interfaces.Snapshot{Source: "tests", Token: token},
		NextAttempt: next,
	}}
}

func TestRetryQueue_PendingCountsRetryJobsOnly(t *testing.T) {
	q := newRetryQueue(4)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, q.begin("sync"))
	assert.Equal(t, 0, q.pending(), "synchronous attempts are not retry jobs")
	assert.True(t, q.contains("sync"))
	assert.False(t, q.begin("sync"))

	require.NoError(t, q.push(testJob("a", now)))
	require.NoError(t, q.push(testJob("b", now.Add(time.Minute))))
	assert.Equal(t, 2, q.pending())

	claimed := q.claimDue(now)
	require.Len(t, claimed, 1)
	assert.Equal(t, interfaces.JobAttempting, claimed[0].job.State)
	assert.Equal(t, 2, q.pending(), "worker-claimed jobs stay pending")

	q.release(claimed[0])
	assert.Equal(t, 2, q.pending())

	claimed = q.claimAll()
	require.Len(t, claimed, 2)
	q.finish("a")
	assert.Equal(t, 1, q.pending())

	require.NoError(t, q.convert(testJob("sync", now)))
	assert.Equal(t, 2, q.pending(), "a failed synchronous attempt becomes a retry job")

	q.finish("b")
	q.finish("sync")
	assert.Equal(t, 1, q.pending(), "finish does not remove a queued job")
}
