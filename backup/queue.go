package backup

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/coaching-backup/interfaces"
)

var (
	errQueueFull = errors.New("retry queue is full")
	errDuplicate = errors.New("token already queued or in flight")
)

// queuedJob is a RetryJob with its private backoff schedule.
type queuedJob struct {
	job     interfaces.RetryJob
	backoff backoff.BackOff
}

// retryQueue orders jobs by NextAttempt, FIFO among equal times. A token is either
// queued or in flight, never both, which serializes attempts per token. Claimed
// tokens are the in-flight subset owned by the retry worker.
type retryQueue struct {
	mu       sync.Mutex
	jobs     []*queuedJob
	queued   map[string]struct{}
	inFlight map[string]struct{}
	claimed  map[string]struct{}
	capacity int
}

func newRetryQueue(capacity int) *retryQueue {
	return &retryQueue{
		queued:   make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
		claimed:  make(map[string]struct{}),
		capacity: capacity,
	}
}

// contains reports whether the token is queued or in flight.
func (q *retryQueue) contains(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.containsLocked(token)
}

func (q *retryQueue) containsLocked(token string) bool {
	_, queued := q.queued[token]
	_, flying := q.inFlight[token]
	return queued || flying
}

// begin marks a token in flight for a synchronous attempt.
func (q *retryQueue) begin(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.containsLocked(token) {
		return false
	}
	q.inFlight[token] = struct{}{}
	return true
}

// finish forgets an in-flight token.
func (q *retryQueue) finish(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, token)
	delete(q.claimed, token)
}

// push adds a new job. The token must not be queued or in flight.
func (q *retryQueue) push(qj *queuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.containsLocked(qj.job.Snapshot.Token) {
		return errDuplicate
	}
	if len(q.queued)+len(q.inFlight) >= q.capacity {
		return errQueueFull
	}
	q.insertLocked(qj)
	return nil
}

// release moves an in-flight job back into the queue. In-flight jobs already count
// against capacity, so this never fails.
func (q *retryQueue) release(qj *queuedJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, qj.job.Snapshot.Token)
	delete(q.claimed, qj.job.Snapshot.Token)
	qj.job.State = interfaces.JobQueued
	q.insertLocked(qj)
}

func (q *retryQueue) insertLocked(qj *queuedJob) {
	qj.job.State = interfaces.JobQueued
	i := sort.Search(len(q.jobs), func(i int) bool {
		return q.jobs[i].job.NextAttempt.After(qj.job.NextAttempt)
	})
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = qj
	q.queued[qj.job.Snapshot.Token] = struct{}{}
}

// convert turns a token claimed with begin into a queued job. The job's own slot
// is excluded from the capacity check.
func (q *retryQueue) convert(qj *queuedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	token := qj.job.Snapshot.Token
	delete(q.inFlight, token)
	if len(q.queued)+len(q.inFlight) >= q.capacity {
		return errQueueFull
	}
	q.insertLocked(qj)
	return nil
}

// claimDue removes every job due at now and marks it in flight.
func (q *retryQueue) claimDue(now time.Time) []*queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := sort.Search(len(q.jobs), func(i int) bool {
		return q.jobs[i].job.NextAttempt.After(now)
	})
	return q.claimLocked(n)
}

// claimAll removes every job regardless of its schedule.
func (q *retryQueue) claimAll() []*queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimLocked(len(q.jobs))
}

func (q *retryQueue) claimLocked(n int) []*queuedJob {
	claimed := make([]*queuedJob, n)
	copy(claimed, q.jobs[:n])
	q.jobs = append(q.jobs[:0], q.jobs[n:]...)
	for _, qj := range claimed {
		token := qj.job.Snapshot.Token
		delete(q.queued, token)
		q.inFlight[token] = struct{}{}
		q.claimed[token] = struct{}{}
		qj.job.State = interfaces.JobAttempting
	}
	return claimed
}

// pending counts retry jobs: queued ones and those claimed by the worker. Tokens in
// flight for a synchronous CreateBackup are not retry jobs and are excluded.
func (q *retryQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) + len(q.claimed)
}

// snapshot returns copies of the queued jobs in schedule order.
func (q *retryQueue) snapshot() []interfaces.RetryJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]interfaces.RetryJob, len(q.jobs))
	for i, qj := range q.jobs {
		out[i] = qj.job
	}
	return out
}
