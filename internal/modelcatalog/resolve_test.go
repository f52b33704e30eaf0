package modelcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureProviders() Providers {
	return Providers{
		{
			ID:           "providerX",
			Source:       "configured",
			DefaultModel: "modelY",
			SmallModel:   "modelFast",
			Models: []Model{
				{ID: "modelY", Name: "Model Y", Capabilities: Capabilities{ToolCalling: true, ContextWindow: 200000}},
				{ID: "modelFast", Name: "Model Fast", LowLatency: true, CostPerMillionInputTokens: 0.5},
				{ID: "modelVision", Name: "Model Vision", Capabilities: Capabilities{Vision: true}},
			},
		},
		{
			ID:     "providerZ",
			Source: "configured",
			Models: []Model{
				{ID: "modelCheaper", LowLatency: true, CostPerMillionInputTokens: 0.2},
				{ID: "modelBig", Capabilities: Capabilities{ToolCalling: true, ContextWindow: 1000000}},
			},
		},
	}
}

func fixtureDefaults() RuntimeDefaults {
	return RuntimeDefaults{DefaultProvider: "providerX", DefaultModel: "modelY"}
}

func TestResolveAutoReturnsRuntimeDefault(t *testing.T) {
	r, err := ResolveModelRef("auto", fixtureProviders(), fixtureDefaults())
	require.NoError(t, err)
	assert.Equal(t, "providerX/modelY", r.String())
	assert.Equal(t, "runtime-default", r.Reason)
}

func TestResolveFastPrefersRuntimeSmallModel(t *testing.T) {
	r, err := ResolveModelRef("auto:fast", fixtureProviders(), fixtureDefaults())
	require.NoError(t, err)
	assert.Equal(t, "providerX/modelFast", r.String())
	assert.Equal(t, "runtime-small-model", r.Reason)
}

func TestResolveFastFallsBackToCheapestLowLatency(t *testing.T) {
	r, err := ResolveModelRef("auto:fast", fixtureProviders(), RuntimeDefaults{})
	require.NoError(t, err)
	assert.Equal(t, "providerZ/modelCheaper", r.String(), "cheaper low-latency model across all providers wins")
}

func TestResolveVisionNeverSilentlyDowngrades(t *testing.T) {
	providers := fixtureProviders()
	r, err := ResolveModelRef("auto:vision", providers, fixtureDefaults())
	require.NoError(t, err)
	assert.True(t, r.Capabilities.Vision)

	noVision := Providers{{ID: "providerX", Models: []Model{{ID: "modelY"}}}}
	_, err = ResolveModelRef("auto:vision", noVision, fixtureDefaults())
	require.Error(t, err)
}

func TestResolveDocsPicksLargestContextToolCalling(t *testing.T) {
	r, err := ResolveModelRef("auto:docs", fixtureProviders(), fixtureDefaults())
	require.NoError(t, err)
	assert.Equal(t, "providerZ/modelBig", r.String())
}

func TestResolveExplicitProviderModelAccepted(t *testing.T) {
	r, err := ResolveModelRef("providerX/modelY", fixtureProviders(), fixtureDefaults())
	require.NoError(t, err)
	assert.Equal(t, "configured", r.Reason)
}

func TestResolveExplicitAPISourceAcceptedWithoutPreconfiguredModel(t *testing.T) {
	providers := Providers{{ID: "providerApi", Source: "api"}}
	r, err := ResolveModelRef("providerApi/whatever-model", providers, RuntimeDefaults{})
	require.NoError(t, err)
	assert.Equal(t, "providerApi/whatever-model", r.String())
}

func TestResolveUnknownRefReturnsSuggestions(t *testing.T) {
	_, err := ResolveModelRef("not-a-tag", fixtureProviders(), fixtureDefaults())
	require.Error(t, err)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.NotEmpty(t, resErr.Suggestions)
}

func TestResolveIsDeterministic(t *testing.T) {
	providers := fixtureProviders()
	defaults := fixtureDefaults()
	r1, err1 := ResolveModelRef("auto:docs", providers, defaults)
	r2, err2 := ResolveModelRef("auto:docs", providers, defaults)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, r1, r2)
}
