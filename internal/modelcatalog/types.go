// Package modelcatalog queries the agent runtime for its configured
// providers and models, and resolves model tags (auto, auto:fast,
// auto:vision, auto:docs) and explicit provider/model strings into a
// canonical resolved model id.
package modelcatalog

// Capabilities describes what a model supports, used by tag resolution.
type Capabilities struct {
	Vision       bool `json:"vision"`
	ToolCalling  bool `json:"toolCalling"`
	ContextWindow int `json:"contextWindow"`
}

// Model is one entry in a Provider's model list.
type Model struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Capabilities  Capabilities `json:"capabilities"`
	CostPerMillionInputTokens float64 `json:"costPerMillionInputTokens"`
	LowLatency    bool         `json:"lowLatency"`
}

// Provider is one entry in the catalog returned by the agent runtime.
type Provider struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"` // e.g. "configured", "api"
	Models    []Model `json:"models"`
	DefaultModel      string `json:"defaultModel"`
	SmallModel        string `json:"smallModel"`
}

// Providers is the full provider list the agent runtime reports.
type Providers []Provider

// FindProvider returns the provider with the given id, if present.
func (ps Providers) FindProvider(id string) (Provider, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// FindModel returns the model with the given id within provider, if present.
func (p Provider) FindModel(id string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// RuntimeDefaults carries the agent runtime's own default model choice,
// consulted by the auto tag; auto:fast uses DefaultProvider to find that
// provider's SmallModel.
type RuntimeDefaults struct {
	DefaultProvider string
	DefaultModel    string
}
