package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Overrides is one merge layer: global (user-wide) or project-scoped.
// Only explicitly-set fields should be populated; the merge treats a zero
// value as "not overridden" for scalars and replaces (never concatenates)
// any non-nil slice/map field.
type Overrides struct {
	Model           *string          `yaml:"model,omitempty"`
	Port            *int             `yaml:"port,omitempty"`
	Purpose         *string          `yaml:"purpose,omitempty"`
	WhenToUse       *string          `yaml:"whenToUse,omitempty"`
	SystemPromptRef *string          `yaml:"systemPromptRef,omitempty"`
	Capabilities    *Capabilities    `yaml:"capabilities,omitempty"`
	Tools           map[string]bool  `yaml:"tools,omitempty"`
	Permissions     *Permissions     `yaml:"permissions,omitempty"`
	Tags            []string         `yaml:"tags,omitempty"`
}

// Table is the built-in profile set, keyed by profile id.
type Table map[string]WorkerProfile

// Resolver merges the built-in table with global and project override
// layers to produce WorkerProfiles, and loads+caches system prompt text by
// content hash.
type Resolver struct {
	builtin Table

	mu             sync.RWMutex
	globalOverride map[string]Overrides
	projectOverride map[string]Overrides

	promptMu sync.RWMutex
	prompts  map[string]string // content hash -> prompt text
}

// NewResolver creates a Resolver seeded with the built-in profile table.
func NewResolver(builtin Table) *Resolver {
	return &Resolver{
		builtin:         builtin,
		globalOverride:  make(map[string]Overrides),
		projectOverride: make(map[string]Overrides),
		prompts:         make(map[string]string),
	}
}

// LoadBuiltinYAML parses a YAML document mapping profile id -> WorkerProfile
// into a Table, suitable for NewResolver.
func LoadBuiltinYAML(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing built-in profile table: %w", err)
	}
	return t, nil
}

// SetGlobalOverride installs the user-wide override layer for profileID.
func (r *Resolver) SetGlobalOverride(profileID string, o Overrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalOverride[profileID] = o
}

// SetProjectOverride installs the project-scoped override layer for profileID.
func (r *Resolver) SetProjectOverride(profileID string, o Overrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectOverride[profileID] = o
}

// Resolve merges the built-in entry for profileID with its global and
// project override layers, in that order, and returns the resulting
// WorkerProfile. The merge is a deep-merge by field: arrays/maps are
// replaced wholesale by an override layer, never concatenated (spec §4.3).
func (r *Resolver) Resolve(profileID string) (WorkerProfile, error) {
	base, ok := r.builtin[profileID]
	if !ok {
		return WorkerProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	base.ID = profileID

	r.mu.RLock()
	global, hasGlobal := r.globalOverride[profileID]
	project, hasProject := r.projectOverride[profileID]
	r.mu.RUnlock()

	if hasGlobal {
		base = applyOverride(base, global)
	}
	if hasProject {
		base = applyOverride(base, project)
	}
	return base, nil
}

// IDs returns every built-in profile id, for callers that need to enumerate
// the full profile set (e.g. the task_list "tags" view).
func (r *Resolver) IDs() []string {
	ids := make([]string, 0, len(r.builtin))
	for id := range r.builtin {
		ids = append(ids, id)
	}
	return ids
}

// All resolves every built-in profile id, skipping any that fail to
// resolve (which should not happen for built-in ids).
func (r *Resolver) All() []WorkerProfile {
	out := make([]WorkerProfile, 0, len(r.builtin))
	for _, id := range r.IDs() {
		if p, err := r.Resolve(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func applyOverride(p WorkerProfile, o Overrides) WorkerProfile {
	if o.Model != nil {
		p.Model = *o.Model
	}
	if o.Port != nil {
		p.Port = *o.Port
	}
	if o.Purpose != nil {
		p.Purpose = *o.Purpose
	}
	if o.WhenToUse != nil {
		p.WhenToUse = *o.WhenToUse
	}
	if o.SystemPromptRef != nil {
		p.SystemPromptRef = *o.SystemPromptRef
	}
	if o.Capabilities != nil {
		p.Capabilities = *o.Capabilities
	}
	if o.Tools != nil {
		p.Tools = o.Tools
	}
	if o.Permissions != nil {
		p.Permissions = *o.Permissions
	}
	if o.Tags != nil {
		p.Tags = o.Tags
	}
	return p
}

// LoadPrompt reads the file at path, caches its contents keyed by its
// content hash, and returns the text. A second call for the same content
// (even via a different path) is served from cache.
func (r *Resolver) LoadPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	r.promptMu.RLock()
	if text, ok := r.prompts[key]; ok {
		r.promptMu.RUnlock()
		return text, nil
	}
	r.promptMu.RUnlock()

	text := string(data)
	r.promptMu.Lock()
	r.prompts[key] = text
	r.promptMu.Unlock()
	return text, nil
}

// ErrUnknownProfile is returned by Resolve when profileID has no built-in
// table entry. Callers surface this as ConfigInvalid (spec §7).
var ErrUnknownProfile = fmt.Errorf("unknown profile id")
