package mock

import (
	"encoding/json"
	"sync"
)

// CheckpointRepo is an in-memory checkpoint repository.
type CheckpointRepo struct {
	mu    sync.Mutex
	token json.RawMessage
	Saves int
}

// NewCheckpointRepo creates an empty repository.
func NewCheckpointRepo() *CheckpointRepo {
	return &CheckpointRepo{}
}

// Resume returns the last saved token.
func (x *CheckpointRepo) Resume() (json.RawMessage, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.token, nil
}

// Save overwrites the saved token.
func (x *CheckpointRepo) Save(token json.RawMessage) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.token = append(json.RawMessage(nil), token...)
	x.Saves++
	return nil
}
