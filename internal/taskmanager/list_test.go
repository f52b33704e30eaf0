package taskmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcore/core/internal/backend"
	"github.com/agentcore/core/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTasksViewJSONIncludesEveryTask(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)
	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		return mgr.HandleChunk("coder", "", []byte("ok"), true)
	}

	res, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Prompt: Prompt{Text: "hi"}})
	require.NoError(t, err)
	awaitStatus(t, mgr, res.TaskID, StatusCompleted, time.Second)

	out, err := mgr.List(ViewTasks, FormatJSON)
	require.NoError(t, err)

	var rows []TaskSummary
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, res.TaskID, rows[0].TaskID)
	assert.Equal(t, StatusCompleted, rows[0].Status)
	assert.Equal(t, "coder", rows[0].WorkerID)
}

func TestListWorkersViewIncludesResolvedModelAndReason(t *testing.T) {
	be := &fakeBackend{}
	client := &fakeSessionClient{}
	mgr, _ := newTestManager(t, be, client)
	client.onPrompt = func(sessionID, text string, model *backend.ModelOverride) error {
		return mgr.HandleChunk("coder", "", []byte("ok"), true)
	}

	res, err := mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Prompt: Prompt{Text: "hi"}})
	require.NoError(t, err)
	awaitStatus(t, mgr, res.TaskID, StatusCompleted, time.Second)

	out, err := mgr.List(ViewWorkers, FormatJSON)
	require.NoError(t, err)

	var rows []WorkerSummary
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "coder", rows[0].ProfileID)
	assert.Equal(t, "providerX/modelY", rows[0].ResolvedModel)
	assert.Equal(t, "configured", rows[0].ModelReason)
}

func TestListTagsViewGroupsProfilesByTag(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeBackend{}, &fakeSessionClient{})
	mgr.profiles.SetGlobalOverride("coder", overrideWithTags([]string{"backend"}))
	mgr.profiles.SetGlobalOverride("vision", overrideWithTags([]string{"backend", "images"}))

	out, err := mgr.List(ViewTags, FormatJSON)
	require.NoError(t, err)

	var tags map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &tags))
	assert.ElementsMatch(t, []string{"coder", "vision"}, tags["backend"])
	assert.ElementsMatch(t, []string{"vision"}, tags["images"])
}

func TestListMarkdownFormatRendersTable(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeBackend{}, &fakeSessionClient{})
	out, err := mgr.List(ViewWorkers, FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, out, "| profile | status |")
}

func TestListUnknownViewErrors(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeBackend{}, &fakeSessionClient{})
	_, err := mgr.List(View("bogus"), FormatJSON)
	require.Error(t, err)
}

func overrideWithTags(tags []string) profile.Overrides {
	return profile.Overrides{Tags: tags}
}
