package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

// ErrClaimLost means the node stopped being leader, or its job was taken
// over, while it was downloading.
var ErrClaimLost = errors.New("claim on job lost")

// Download performs the work for a claimed job. Progress reported to
// the JobReporter is replicated to the other nodes.
type Download func(ctx context.Context, reporter *JobReporter) error

// Run coordinates one download of output across the cluster. The leader
// claims the job and runs download; followers wait until the job is
// finished. A follower that becomes leader while the job is still running
// takes it over and starts it again.
func (m *Manager) Run(ctx context.Context, playlistURL, output string, download Download) error {
	if err := m.WaitForLeader(ctx); err != nil {
		return fmt.Errorf("wait for leader: %w", err)
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	waiting := false
	for {
		if job, ok := m.Job(output); ok {
			switch job.Status {
			case JobDone:
				m.logger.Info("output downloaded by another node", "node", job.Node, "job", job.ID, "output", output)
				return nil
			case JobFailed:
				return fmt.Errorf("job %s failed on node %s: %s", job.ID, job.Node, job.Error)
			}
		}

		if m.IsLeader() {
			return m.runClaimed(ctx, playlistURL, output, download)
		}

		if !waiting {
			m.logger.Info("waiting for leader to download", "leader", m.LeaderAddr(), "output", output)
			waiting = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) runClaimed(ctx context.Context, playlistURL, output string, download Download) error {
	uid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	id := uid.String()

	if err := m.Claim(id, playlistURL, output); err != nil {
		if errors.Is(err, ErrAlreadyDone) {
			m.logger.Info("output already downloaded", "output", output)
			m.linger(ctx)
			return nil
		}
		return fmt.Errorf("claim %s: %w", output, err)
	}

	m.logger.Info("claimed job", "job", id, "output", output)

	dlCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		m.watchClaim(dlCtx, id, output, cancel)
	}()

	reporter := &JobReporter{
		manager:  m,
		id:       id,
		output:   output,
		interval: m.config.ProgressInterval,
		now:      time.Now,
		lost:     cancel,
	}
	err = download(dlCtx, reporter)

	cause := context.Cause(dlCtx)
	cancel(nil)
	<-watchDone

	if errors.Is(cause, ErrClaimLost) {
		m.logger.Warn("abandoned job", "job", id, "output", output, "reason", cause, "download_error", err)
		return fmt.Errorf("job %s: %w", id, cause)
	}

	if ferr := m.Finish(id, output, err); ferr != nil {
		return errors.Join(err, fmt.Errorf("record outcome of job %s: %w", id, ferr))
	}
	m.linger(ctx)
	return err
}

// watchClaim cancels the download with ErrClaimLost once this node can no
// longer finish the job.
func (m *Manager) watchClaim(ctx context.Context, id, output string, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.checkClaim(id, output); err != nil {
			lost(err)
			return
		}
	}
}

// checkClaim reports whether this node still leads and id is still the
// current attempt for output.
func (m *Manager) checkClaim(id, output string) error {
	if !m.IsLeader() {
		return fmt.Errorf("%w: no longer leader", ErrClaimLost)
	}
	job, ok := m.Job(output)
	if !ok || job.ID != id {
		return fmt.Errorf("%w: superseded by job %s", ErrClaimLost, job.ID)
	}
	if job.Status != JobRunning {
		return fmt.Errorf("%w: job is %s", ErrClaimLost, job.Status)
	}
	return nil
}

// linger keeps a multi-node cluster running long enough for heartbeats to
// carry the commit index of the outcome to the followers.
func (m *Manager) linger(ctx context.Context) {
	if len(m.config.Peers) < 2 {
		return
	}

	m.logger.Debug("waiting for followers to observe the outcome", "linger", m.config.Linger)
	timer := time.NewTimer(m.config.Linger)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// JobReporter replicates pipeline progress for a claimed job. Cursor
// updates are sent at most once per interval; the final cursor is
// always sent.
type JobReporter struct {
	manager  *Manager
	id       string
	output   string
	interval time.Duration
	now      func() time.Time
	// lost cancels the download when replication shows leadership is gone.
	lost context.CancelCauseFunc

	mu       sync.Mutex
	total    int
	written  int
	lastSent time.Time
}

// ID returns the job ID, for log correlation.
func (r *JobReporter) ID() string {
	return r.id
}

// Start records the number of segments in the job.
func (r *JobReporter) Start(total int) {
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()

	r.send(total, 0)
}

// Buffered is a no-op; only the cursor is replicated.
func (r *JobReporter) Buffered(int) {}

// Written replicates the cursor if the interval has passed.
func (r *JobReporter) Written(int) {
	r.mu.Lock()
	r.written++
	total, written := r.total, r.written
	now := r.now()
	due := now.Sub(r.lastSent) >= r.interval || written == total
	if due {
		r.lastSent = now
	}
	r.mu.Unlock()

	if due {
		r.send(total, written)
	}
}

// Finish is a no-op; the outcome is recorded by Run once download returns.
func (r *JobReporter) Finish(error) {}

func (r *JobReporter) send(total, written int) {
	err := r.manager.Advance(r.id, r.output, total, written)
	if err == nil {
		return
	}

	r.manager.logger.Warn("failed to replicate progress", "job", r.id, "written", written, "error", err)
	if r.lost != nil && (errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost)) {
		r.lost(fmt.Errorf("%w: %v", ErrClaimLost, err))
	}
}
