package queue

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tanmayb/downpour/internal/task"
	"github.com/tanmayb/downpour/utils"
)

// State is the persisted queue document: every task plus the admission
// cursor, written atomically after each mutation.
type State struct {
	Tasks               []*task.Task `json:"tasks"`
	NextAdmissionCursor int64        `json:"next_admission_cursor"`
}

func saveState(path string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding queue state: %w", err)
	}
	return utils.WriteFileAtomic(path, data, 0644)
}

// loadState reads the queue document. A missing file returns (nil, nil).
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading queue state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error parsing queue state %s: %w", path, err)
	}
	return &s, nil
}
