package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
)

// RunInBackground starts the single retry worker. Calling it more than once has no effect.
func (o *Orchestrator) RunInBackground() {
	o.startOnce.Do(func() {
		o.started.Store(true)
		go o.run()
	})
}

func (o *Orchestrator) run() {
	defer close(o.done)

	ticker := o.clock.Ticker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.ProcessDue(o.runCtx)
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.ProcessDue(o.runCtx)
		}
	}
}

// ProcessDue runs one worker cycle: re-check a quota pause, establish readiness if
// needed, then attempt every due job. It returns the number of attempts made.
func (o *Orchestrator) ProcessDue(ctx context.Context) int {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	defer o.updatePendingGauge()

	now := o.clock.Now()

	if o.QuotaPaused() && !o.recheckQuota(ctx, now) {
		return 0
	}

	if !o.IsReady() && !o.tryReady(ctx, now, false) {
		return 0
	}

	return o.attemptJobs(ctx, o.queue.claimDue(now), "retry")
}

// recheckQuota resumes backups if the remote store reports free space again.
func (o *Orchestrator) recheckQuota(ctx context.Context, now time.Time) bool {
	o.mu.Lock()
	due := now.Sub(o.quotaPausedAt) >= o.cfg.QuotaRecheckInterval
	if due {
		o.quotaPausedAt = now
	}
	o.mu.Unlock()
	if !due {
		return false
	}

	info, err := o.store.GetFolderInfo(ctx)
	if err != nil {
		o.log.Warn("Quota re-check failed", "err", err)
		return false
	}
	o.cacheFolderInfo(info)

	if info.Quota.Exceeded() {
		o.log.Info("Remote store still over quota",
			slog.Int64("usage", info.Quota.Usage),
			slog.Int64("limit", info.Quota.Limit))
		return false
	}

	o.ResumeBackups()
	return true
}

// tryReady authenticates and resolves the canonical folder, at most once per
// ReadinessRetryInterval unless forced.
func (o *Orchestrator) tryReady(ctx context.Context, now time.Time, force bool) bool {
	o.mu.Lock()
	due := force || o.readyAttempt.IsZero() || now.Sub(o.readyAttempt) >= o.cfg.ReadinessRetryInterval
	if due {
		o.readyAttempt = now
	}
	o.mu.Unlock()
	if !due {
		return false
	}

	err := o.store.GetAuth(ctx)
	if err == nil {
		_, err = o.store.GetOrCreateFolder(ctx, o.cfg.FolderName)
	}
	if err != nil {
		o.log.Warn("Remote store not ready", slog.Int("pending", o.queue.pending()), "err", err)
		return false
	}

	o.log.Info("Remote store ready", slog.String("store", o.store.Name()))
	return true
}

// attemptJobs writes claimed jobs in order. The first transient, auth or quota failure
// ends the pass; untried jobs go back to the queue without losing an attempt.
func (o *Orchestrator) attemptJobs(ctx context.Context, jobs []*queuedJob, path string) int {
	attempted := 0
	for i, qj := range jobs {
		folder, ok := o.store.CanonicalFolder()
		if !ok || ctx.Err() != nil {
			o.releaseAll(jobs[i:])
			return attempted
		}

		attempted++
		snap := qj.job.Snapshot
		info, err := o.write(ctx, folder.ID, snap)
		attemptsTotal.WithLabelValues(path, outcomeOf(err)).Inc()

		switch classify(err) {
		case errClassNone:
			o.recordStored(snap, info)
			o.queue.finish(snap.Token)
			continue

		case errClassQuota:
			o.pauseOnQuota(err)
			o.recordFailure(snap.Token, err)
			qj.job.LastError = err.Error()
			o.queue.release(qj)

		case errClassAuth:
			o.store.InvalidateAuth()
			o.retryLater(qj, err)

		case errClassTransient:
			o.retryLater(qj, err)

		default:
			o.fail(qj, err)
			continue
		}

		o.releaseAll(jobs[i+1:])
		return attempted
	}
	return attempted
}

func (o *Orchestrator) releaseAll(jobs []*queuedJob) {
	for _, qj := range jobs {
		o.queue.release(qj)
	}
}

func (o *Orchestrator) retryLater(qj *queuedJob, err error) {
	qj.job.Attempts++
	qj.job.LastError = err.Error()
	o.recordFailure(qj.job.Snapshot.Token, err)

	if qj.job.Attempts >= o.cfg.MaxAttempts {
		o.fail(qj, err)
		return
	}

	qj.job.NextAttempt = o.clock.Now().Add(o.nextBackoff(qj))
	o.queue.release(qj)
	o.log.Warn("Backup retry failed",
		slog.String("token", qj.job.Snapshot.Token),
		slog.Int("attempts", qj.job.Attempts),
		slog.Time("next_attempt", qj.job.NextAttempt),
		"err", err)
}

// fail moves a job to the terminal failed state.
func (o *Orchestrator) fail(qj *queuedJob, err error) {
	qj.job.State = interfaces.JobFailed
	qj.job.LastError = err.Error()
	o.queue.finish(qj.job.Snapshot.Token)

	o.mu.Lock()
	o.failed = append(o.failed, qj.job)
	if len(o.failed) > o.cfg.FailedHistory {
		o.failed = o.failed[len(o.failed)-o.cfg.FailedHistory:]
	}
	o.failedTotal++
	o.lastFailure = &interfaces.FailureInfo{Token: qj.job.Snapshot.Token, Error: err.Error(), At: o.clock.Now()}
	o.mu.Unlock()

	failedJobsTotal.Inc()
	o.log.Error("Backup failed permanently",
		slog.String("token", qj.job.Snapshot.Token),
		slog.Int("attempts", qj.job.Attempts),
		"err", err)
}

// Shutdown stops the worker and makes one final pass over queued jobs, ignoring their
// backoff, within ShutdownDrainTimeout. Jobs still pending afterwards are logged and
// abandoned; the primary store remains authoritative for them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	first := false
	o.stopOnce.Do(func() {
		first = true
		o.closed.Store(true)
		close(o.stop)
	})
	if !first {
		return nil
	}

	if o.started.Load() {
		select {
		case <-o.done:
		case <-ctx.Done():
			o.cancelRun()
			<-o.done
		}
	}
	o.cancelRun()

	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownDrainTimeout)
	defer cancel()
	o.drain(drainCtx)
	return nil
}

func (o *Orchestrator) drain(ctx context.Context) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	defer o.updatePendingGauge()

	if o.queue.pending() == 0 {
		return
	}

	if !o.QuotaPaused() && (o.IsReady() || o.tryReady(ctx, o.clock.Now(), true)) {
		n := o.attemptJobs(ctx, o.queue.claimAll(), "drain")
		o.log.Info("Drained backup queue", slog.Int("attempted", n))
	}

	leftover := o.queue.claimAll()
	if len(leftover) == 0 {
		return
	}
	tokens := make([]string, len(leftover))
	for i, qj := range leftover {
		tokens[i] = qj.job.Snapshot.Token
		o.queue.finish(qj.job.Snapshot.Token)
	}
	o.log.Warn("Abandoning pending backups at shutdown",
		slog.Int("count", len(tokens)),
		slog.Any("tokens", tokens))
}
