package loader

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/glaciate/snowfall/internal/repository"
)

// pendingCheckpoint is a checkpoint held until every batch sealed before
// its arrival has committed. The barrier is the per-stream seal sequence
// snapshot taken when the checkpoint arrived.
type pendingCheckpoint struct {
	token   json.RawMessage
	barrier map[string]int64
}

// CheckpointManager tracks sealed and committed batch sequences per stream
// and emits checkpoint tokens downstream strictly in arrival order, each
// exactly once, never ahead of an uncommitted earlier batch.
type CheckpointManager struct {
	mu        sync.Mutex
	sealed    map[string]int64
	committed map[string]int64
	queue     []*pendingCheckpoint

	out     io.Writer
	repo    repository.CheckpointRepository
	emitted int
}

// NewCheckpointManager creates a manager writing emitted tokens to out and
// persisting them through repo. repo may be nil.
func NewCheckpointManager(out io.Writer, repo repository.CheckpointRepository) *CheckpointManager {
	return &CheckpointManager{
		sealed:    map[string]int64{},
		committed: map[string]int64{},
		out:       out,
		repo:      repo,
	}
}

// BatchSealed records a new sealed batch. Must be called in seal order.
func (x *CheckpointManager) BatchSealed(stream string, seq int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if seq > x.sealed[stream] {
		x.sealed[stream] = seq
	}
}

// BatchCommitted records a confirmed warehouse commit and emits any held
// checkpoints whose barrier is now satisfied.
func (x *CheckpointManager) BatchCommitted(stream string, seq int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if seq > x.committed[stream] {
		x.committed[stream] = seq
	}
	return x.emitReady()
}

// Arrive registers a checkpoint token from the source. It is emitted
// immediately when nothing is outstanding, held otherwise.
func (x *CheckpointManager) Arrive(token json.RawMessage) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	barrier := make(map[string]int64, len(x.sealed))
	for stream, seq := range x.sealed {
		barrier[stream] = seq
	}

	x.queue = append(x.queue, &pendingCheckpoint{token: token, barrier: barrier})
	return x.emitReady()
}

// Pending returns the number of checkpoints still held.
func (x *CheckpointManager) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue)
}

// Emitted returns the number of checkpoints emitted downstream.
func (x *CheckpointManager) Emitted() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.emitted
}

func (x *CheckpointManager) emitReady() error {
	for len(x.queue) > 0 {
		head := x.queue[0]
		if !x.satisfied(head.barrier) {
			return nil
		}

		if _, err := x.out.Write(append(head.token, '\n')); err != nil {
			return errors.Wrap(err, "failed to emit checkpoint downstream")
		}
		if x.repo != nil {
			if err := x.repo.Save(head.token); err != nil {
				return errors.Wrap(err, "failed to persist checkpoint")
			}
		}

		x.queue = x.queue[1:]
		x.emitted++
	}
	return nil
}

func (x *CheckpointManager) satisfied(barrier map[string]int64) bool {
	for stream, seq := range barrier {
		if x.committed[stream] < seq {
			return false
		}
	}
	return true
}
