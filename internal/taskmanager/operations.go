package taskmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentcore/core/internal/profile"
)

// overrideWithModel builds a project-override layer that pins only the
// model field, leaving every other profile field untouched. An empty model
// clears the pin (profile.Overrides.Model stays nil).
func overrideWithModel(model string) profile.Overrides {
	if model == "" {
		return profile.Overrides{}
	}
	return profile.Overrides{Model: &model}
}

// defaultOperations returns the fixed, built-in "kind: op" registry (spec
// §4.6): worker.model.set/reset pin or release a profile's default model
// override without spawning anything, and the memory.* pair is a small
// in-process scratchpad entirely local to the orchestrator.
func defaultOperations(m *Manager) map[string]OperationFunc {
	mem := newMemoryStore()
	return map[string]OperationFunc{
		"worker.model.set":   m.opWorkerModelSet,
		"worker.model.reset": m.opWorkerModelReset,
		"memory.set":         mem.set,
		"memory.get":         mem.get,
	}
}

func (m *Manager) opWorkerModelSet(ctx context.Context, args map[string]interface{}) (string, error) {
	profileID, _ := args["workerId"].(string)
	model, _ := args["model"].(string)
	if profileID == "" || model == "" {
		return "", fmt.Errorf("worker.model.set requires workerId and model")
	}
	m.profiles.SetProjectOverride(profileID, overrideWithModel(model))
	return fmt.Sprintf("worker %q default model set to %q; takes effect on next spawn", profileID, model), nil
}

func (m *Manager) opWorkerModelReset(ctx context.Context, args map[string]interface{}) (string, error) {
	profileID, _ := args["workerId"].(string)
	if profileID == "" {
		return "", fmt.Errorf("worker.model.reset requires workerId")
	}
	m.profiles.SetProjectOverride(profileID, overrideWithModel(""))
	return fmt.Sprintf("worker %q default model override cleared", profileID), nil
}

// memoryStore is a process-local key/value scratchpad for the memory.* op
// family. It is intentionally not persisted: the core does not persist task
// history or auxiliary state across restarts (spec §1).
type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (s *memoryStore) set(ctx context.Context, args map[string]interface{}) (string, error) {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	if key == "" {
		return "", fmt.Errorf("memory.set requires key")
	}
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return "ok", nil
}

func (s *memoryStore) get(ctx context.Context, args map[string]interface{}) (string, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return "", fmt.Errorf("memory.get requires key")
	}
	s.mu.Lock()
	value, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return "", nil
	}
	return value, nil
}
