// Package cluster coordinates downloads across several hlsmerge nodes
// through a Raft-replicated job registry.
package cluster

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(ClaimCommand{})
	gob.Register(AdvanceCommand{})
	gob.Register(FinishCommand{})
}

var (
	// ErrAlreadyDone is returned by a claim for an output that has already
	// been downloaded.
	ErrAlreadyDone = errors.New("output already downloaded")
	// ErrClaimed is returned by a claim for an output another node is
	// still downloading in the current term.
	ErrClaimed = errors.New("output claimed by another node")
)

// JobStatus is the lifecycle state of a download job.
type JobStatus uint8

const (
	// JobRunning means a node holds the claim and is downloading.
	JobRunning JobStatus = iota + 1
	// JobDone means the output was written and closed.
	JobDone
	// JobFailed means the download ended with an error.
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one download attempt recorded in the registry.
type Job struct {
	// ID identifies the attempt; a takeover gets a new ID.
	ID string
	// Node is the Raft ID of the node holding the claim.
	Node string
	// Term is the Raft term the claim was committed in.
	Term uint64
	// PlaylistURL is the input playlist.
	PlaylistURL string
	// Output is the registry key.
	Output string
	// TotalSegments is zero until the segment list is known.
	TotalSegments int
	// Written is the merge cursor replicated from the downloading node.
	Written int
	// Attempts counts claims made for this output.
	Attempts int
	Status   JobStatus
	Error    string
}

// ClusterState is the replicated job registry keyed by output path.
type ClusterState struct {
	Jobs map[string]Job
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandClaim starts or takes over a job.
	CommandClaim CommandType = 1
	// CommandAdvance records download progress.
	CommandAdvance CommandType = 2
	// CommandFinish records the outcome of a job.
	CommandFinish CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// ClaimCommand claims an output for a node.
type ClaimCommand struct {
	ID          string
	Node        string
	PlaylistURL string
	Output      string
}

// AdvanceCommand replicates the cursor of a running job.
type AdvanceCommand struct {
	Output        string
	ID            string
	TotalSegments int
	Written       int
}

// FinishCommand ends a running job.
type FinishCommand struct {
	Output string
	ID     string
	Status JobStatus
	Error  string
}

// JobFSM implements the raft.FSM interface for the job registry.
type JobFSM struct {
	mu     sync.RWMutex
	state  ClusterState
	logger *slog.Logger
}

// NewJobFSM creates a new JobFSM.
func NewJobFSM(logger *slog.Logger) *JobFSM {
	return &JobFSM{
		state:  ClusterState{Jobs: make(map[string]Job)},
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *JobFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandClaim:
		return f.applyClaim(log.Term, cmd.Data)
	case CommandAdvance:
		return f.applyAdvance(cmd.Data)
	case CommandFinish:
		return f.applyFinish(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyClaim registers a new attempt. A running job from an earlier term
// is taken over, since its node has lost leadership since.
func (f *JobFSM) applyClaim(term uint64, data any) any {
	cmd, ok := data.(ClaimCommand)
	if !ok {
		return fmt.Errorf("invalid claim command data")
	}

	prev, exists := f.state.Jobs[cmd.Output]
	if exists {
		switch {
		case prev.Status == JobDone:
			return ErrAlreadyDone
		case prev.Status == JobRunning && prev.Node != cmd.Node && prev.Term == term:
			return fmt.Errorf("%w: %s", ErrClaimed, prev.Node)
		}
	}

	f.state.Jobs[cmd.Output] = Job{
		ID:          cmd.ID,
		Node:        cmd.Node,
		Term:        term,
		PlaylistURL: cmd.PlaylistURL,
		Output:      cmd.Output,
		Attempts:    prev.Attempts + 1,
		Status:      JobRunning,
	}
	f.logger.Info("job claimed", "job", cmd.ID, "node", cmd.Node, "output", cmd.Output, "attempt", prev.Attempts+1)
	return nil
}

// applyAdvance updates the cursor. Commands from a superseded attempt
// are ignored.
func (f *JobFSM) applyAdvance(data any) any {
	cmd, ok := data.(AdvanceCommand)
	if !ok {
		return fmt.Errorf("invalid advance command data")
	}

	job, ok := f.state.Jobs[cmd.Output]
	if !ok || job.ID != cmd.ID || job.Status != JobRunning {
		f.logger.Debug("ignoring stale advance", "job", cmd.ID, "output", cmd.Output)
		return nil
	}

	job.TotalSegments = cmd.TotalSegments
	if cmd.Written > job.Written {
		job.Written = cmd.Written
	}
	f.state.Jobs[cmd.Output] = job
	return nil
}

func (f *JobFSM) applyFinish(data any) any {
	cmd, ok := data.(FinishCommand)
	if !ok {
		return fmt.Errorf("invalid finish command data")
	}
	if cmd.Status != JobDone && cmd.Status != JobFailed {
		return fmt.Errorf("invalid finish status: %s", cmd.Status)
	}

	job, ok := f.state.Jobs[cmd.Output]
	if !ok || job.ID != cmd.ID || job.Status != JobRunning {
		f.logger.Debug("ignoring stale finish", "job", cmd.ID, "output", cmd.Output)
		return nil
	}

	job.Status = cmd.Status
	job.Error = cmd.Error
	f.state.Jobs[cmd.Output] = job
	f.logger.Info("job finished", "job", cmd.ID, "output", cmd.Output, "status", cmd.Status)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *JobFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *JobFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Jobs == nil {
		state.Jobs = make(map[string]Job)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "jobs", len(state.Jobs))
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *JobFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return ClusterState{Jobs: maps.Clone(f.state.Jobs)}
}

// Job returns the registry entry for an output.
func (f *JobFSM) Job(output string) (Job, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	job, ok := f.state.Jobs[output]
	return job, ok
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
