package command

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Mayoruang/drone9/internal/model"
)

// Store holds tracked commands keyed by correlation id. The default
// implementation is in-memory with process lifetime; Redis can back it when
// command state must survive restarts.
type Store interface {
	// Put inserts or replaces a command.
	Put(cmd *model.Command) error
	// Get returns the command with the given id, or nil when absent.
	Get(id string) (*model.Command, error)
	// ForDrone returns all commands issued to the given drone.
	ForDrone(droneID uuid.UUID) ([]*model.Command, error)
}

// MemoryStore is the default Store: a lock-protected map. Commands are
// copied on the way in and out so callers never share mutable state.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]*model.Command
}

// NewMemoryStore creates an empty in-memory command store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commands: make(map[string]*model.Command)}
}

// Put inserts or replaces a command.
func (s *MemoryStore) Put(cmd *model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

// Get returns the command with the given id, or nil when absent.
func (s *MemoryStore) Get(id string) (*model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, nil
	}
	return cloneCommand(cmd), nil
}

// ForDrone returns all commands issued to the given drone.
func (s *MemoryStore) ForDrone(droneID uuid.UUID) ([]*model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Command
	for _, cmd := range s.commands {
		if cmd.DroneID == droneID {
			out = append(out, cloneCommand(cmd))
		}
	}
	return out, nil
}

func cloneCommand(cmd *model.Command) *model.Command {
	c := *cmd
	if cmd.Parameters != nil {
		c.Parameters = make(map[string]any, len(cmd.Parameters))
		for k, v := range cmd.Parameters {
			c.Parameters[k] = v
		}
	}
	if cmd.ExecutedAt != nil {
		t := *cmd.ExecutedAt
		c.ExecutedAt = &t
	}
	if cmd.CompletedAt != nil {
		t := *cmd.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// sortByIssuedDesc orders commands most recent first.
func sortByIssuedDesc(cmds []*model.Command) {
	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].IssuedAt.After(cmds[j].IssuedAt)
	})
}
