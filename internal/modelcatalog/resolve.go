package modelcatalog

import (
	"fmt"
	"sort"
	"strings"
)

// ResolutionError reports why resolution failed, with the nearest
// suggestions where there are any (spec §7's ModelUnavailable kind).
type ResolutionError struct {
	Message     string
	Suggestions []string
}

func (e *ResolutionError) Error() string { return e.Message }

// Resolved is the successful result of resolveModelRef.
type Resolved struct {
	ProviderID   string
	ModelID      string
	Reason       string
	Capabilities Capabilities
}

// String returns the canonical "provider/model" form.
func (r Resolved) String() string {
	return r.ProviderID + "/" + r.ModelID
}

// ResolveModelRef is a pure function: given the same ref, providers, and
// runtime defaults it always returns the same result, so it is tested with
// fixture provider lists and no mocks (spec §9). It performs no I/O and
// reads no clock.
func ResolveModelRef(ref string, providers Providers, defaults RuntimeDefaults) (Resolved, error) {
	switch {
	case ref == "auto", ref == "node":
		return resolveAuto(providers, defaults)
	case ref == "auto:fast", ref == "node:fast":
		return resolveFast(providers, defaults)
	case ref == "auto:vision", ref == "node:vision":
		return resolveVision(providers)
	case ref == "auto:docs", ref == "node:docs":
		return resolveDocs(providers)
	}

	if providerID, modelID, ok := splitRef(ref); ok {
		return resolveExplicit(providerID, modelID, providers)
	}

	return Resolved{}, &ResolutionError{
		Message:     fmt.Sprintf("model reference %q is not a recognized tag or provider/model string", ref),
		Suggestions: nearestSuggestions(ref, providers, 3),
	}
}

func resolveAuto(providers Providers, defaults RuntimeDefaults) (Resolved, error) {
	if defaults.DefaultProvider == "" || defaults.DefaultModel == "" {
		return Resolved{}, &ResolutionError{Message: "agent runtime reports no default model"}
	}
	provider, ok := providers.FindProvider(defaults.DefaultProvider)
	if !ok {
		return Resolved{}, &ResolutionError{Message: fmt.Sprintf("default provider %q not present in catalog", defaults.DefaultProvider)}
	}
	model, ok := provider.FindModel(defaults.DefaultModel)
	if !ok {
		return Resolved{}, &ResolutionError{Message: fmt.Sprintf("default model %q not present for provider %q", defaults.DefaultModel, defaults.DefaultProvider)}
	}
	return Resolved{ProviderID: provider.ID, ModelID: model.ID, Reason: "runtime-default", Capabilities: model.Capabilities}, nil
}

func resolveFast(providers Providers, defaults RuntimeDefaults) (Resolved, error) {
	if defaults.DefaultProvider != "" {
		if provider, ok := providers.FindProvider(defaults.DefaultProvider); ok && provider.SmallModel != "" {
			if model, ok := provider.FindModel(provider.SmallModel); ok {
				return Resolved{ProviderID: provider.ID, ModelID: model.ID, Reason: "runtime-small-model", Capabilities: model.Capabilities}, nil
			}
		}
	}

	var best *Resolved
	var bestCost float64
	for _, p := range providers {
		for _, m := range p.Models {
			if !m.LowLatency {
				continue
			}
			if best == nil || m.CostPerMillionInputTokens < bestCost {
				r := Resolved{ProviderID: p.ID, ModelID: m.ID, Reason: "cheapest-low-latency", Capabilities: m.Capabilities}
				best = &r
				bestCost = m.CostPerMillionInputTokens
			}
		}
	}
	if best == nil {
		return Resolved{}, &ResolutionError{Message: "no low-latency model available in catalog"}
	}
	return *best, nil
}

func resolveVision(providers Providers) (Resolved, error) {
	for _, p := range providers {
		for _, m := range p.Models {
			if m.Capabilities.Vision {
				return Resolved{ProviderID: p.ID, ModelID: m.ID, Reason: "vision-capable", Capabilities: m.Capabilities}, nil
			}
		}
	}
	return Resolved{}, &ResolutionError{Message: "no vision-capable model available; refusing to silently downgrade"}
}

func resolveDocs(providers Providers) (Resolved, error) {
	var best *Resolved
	var bestScore int
	for _, p := range providers {
		for _, m := range p.Models {
			if !m.Capabilities.ToolCalling {
				continue
			}
			score := m.Capabilities.ContextWindow
			if best == nil || score > bestScore {
				r := Resolved{ProviderID: p.ID, ModelID: m.ID, Reason: "large-context-tool-calling", Capabilities: m.Capabilities}
				best = &r
				bestScore = score
			}
		}
	}
	if best == nil {
		return Resolved{}, &ResolutionError{Message: "no tool-calling model available for docs tag"}
	}
	return *best, nil
}

func resolveExplicit(providerID, modelID string, providers Providers) (Resolved, error) {
	provider, ok := providers.FindProvider(providerID)
	if !ok {
		return Resolved{}, &ResolutionError{
			Message:     fmt.Sprintf("unknown provider %q", providerID),
			Suggestions: nearestSuggestions(providerID+"/"+modelID, providers, 3),
		}
	}
	if model, ok := provider.FindModel(modelID); ok {
		return Resolved{ProviderID: provider.ID, ModelID: model.ID, Reason: "configured", Capabilities: model.Capabilities}, nil
	}
	if provider.Source == "api" {
		return Resolved{ProviderID: provider.ID, ModelID: modelID, Reason: "configured", Capabilities: Capabilities{}}, nil
	}
	return Resolved{}, &ResolutionError{
		Message:     fmt.Sprintf("model %q not found for provider %q", modelID, providerID),
		Suggestions: nearestSuggestions(providerID+"/"+modelID, providers, 3),
	}
}

func splitRef(ref string) (provider, model string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

// nearestSuggestions returns up to n "provider/model" strings closest to ref
// by Levenshtein edit distance, for the error surfaced to the caller.
func nearestSuggestions(ref string, providers Providers, n int) []string {
	type candidate struct {
		ref      string
		distance int
	}
	var candidates []candidate
	for _, p := range providers {
		for _, m := range p.Models {
			full := p.ID + "/" + m.ID
			candidates = append(candidates, candidate{ref: full, distance: levenshtein(ref, full)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ref
	}
	return out
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}
