package profile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinFixture() Table {
	return Table{
		"coder": {
			ID:    "coder",
			Name:  "Coder",
			Model: "auto",
			Kind:  KindServer,
			Tools: map[string]bool{"fs.read": true, "fs.write": true},
			Tags:  []string{"default"},
		},
	}
}

func TestResolveReturnsBuiltinWhenNoOverrides(t *testing.T) {
	r := NewResolver(builtinFixture())
	p, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.Equal(t, "auto", p.Model)
	assert.Equal(t, []string{"default"}, p.Tags)
}

func TestResolveUnknownProfileFails(t *testing.T) {
	r := NewResolver(builtinFixture())
	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProfile))
}

func TestResolveDeepMergeReplacesArraysNotConcatenates(t *testing.T) {
	r := NewResolver(builtinFixture())
	model := "providerX/fast"
	r.SetGlobalOverride("coder", Overrides{
		Model: &model,
		Tags:  []string{"global-tag"},
	})
	r.SetProjectOverride("coder", Overrides{
		Tools: map[string]bool{"fs.write": false},
	})

	p, err := r.Resolve("coder")
	require.NoError(t, err)

	assert.Equal(t, "providerX/fast", p.Model, "global override wins over builtin model")
	assert.Equal(t, []string{"global-tag"}, p.Tags, "tags replaced wholesale, not merged")
	assert.Equal(t, map[string]bool{"fs.write": false}, p.Tools, "project override replaces the whole tools map")
}

func TestResolveProjectOverrideAppliesAfterGlobal(t *testing.T) {
	r := NewResolver(builtinFixture())
	globalModel := "providerX/fast"
	projectModel := "providerY/slow"
	r.SetGlobalOverride("coder", Overrides{Model: &globalModel})
	r.SetProjectOverride("coder", Overrides{Model: &projectModel})

	p, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.Equal(t, "providerY/slow", p.Model)
}
