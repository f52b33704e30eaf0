package taskmanager

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// View selects what task_list enumerates.
type View string

const (
	ViewTasks   View = "tasks"
	ViewWorkers View = "workers"
	ViewTags    View = "tags"
)

// Format selects task_list's output encoding.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// TaskSummary is one row of the "tasks" view.
type TaskSummary struct {
	TaskID   string `json:"taskId"`
	Kind     Kind   `json:"kind"`
	WorkerID string `json:"workerId,omitempty"`
	Status   Status `json:"status"`
}

// WorkerSummary is one row of the "workers" view (spec §4.6: "includes
// resolvedModel and modelReason").
type WorkerSummary struct {
	ProfileID     string `json:"profileId"`
	Status        string `json:"status"`
	ResolvedModel string `json:"resolvedModel,omitempty"`
	ModelReason   string `json:"modelReason,omitempty"`
	CurrentTask   string `json:"currentTask,omitempty"`
	Error         string `json:"error,omitempty"`
}

// List implements task_list. view selects the rows; format selects how they
// are serialized into the single returned string.
func (m *Manager) List(view View, format Format) (string, error) {
	switch view {
	case ViewTasks, "":
		return formatList(m.taskSummaries(), format, renderTasksMarkdown)
	case ViewWorkers:
		return formatList(m.workerSummaries(), format, renderWorkersMarkdown)
	case ViewTags:
		return formatList(m.tagSummary(), format, renderTagsMarkdown)
	default:
		return "", fmt.Errorf("unknown task_list view %q", view)
	}
}

func (m *Manager) taskSummaries() []TaskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskSummary, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, TaskSummary{TaskID: t.ID, Kind: t.Kind, WorkerID: t.WorkerID, Status: t.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (m *Manager) workerSummaries() []WorkerSummary {
	out := make([]WorkerSummary, 0)
	for _, w := range m.pool.List() {
		out = append(out, WorkerSummary{
			ProfileID:     w.ProfileID,
			Status:        string(w.Status),
			ResolvedModel: w.ResolvedModel,
			ModelReason:   w.ModelReason,
			CurrentTask:   w.CurrentTask,
			Error:         w.Error,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

func (m *Manager) tagSummary() map[string][]string {
	tags := make(map[string][]string)
	for _, p := range m.profiles.All() {
		for _, tag := range p.Tags {
			tags[tag] = append(tags[tag], p.ID)
		}
	}
	return tags
}

func formatList[T any](rows T, format Format, markdown func(T) string) (string, error) {
	if format == FormatJSON {
		b, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return markdown(rows), nil
}

func renderTasksMarkdown(rows []TaskSummary) string {
	var b strings.Builder
	b.WriteString("| task | kind | worker | status |\n|---|---|---|---|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", r.TaskID, r.Kind, r.WorkerID, r.Status)
	}
	return b.String()
}

func renderWorkersMarkdown(rows []WorkerSummary) string {
	var b strings.Builder
	b.WriteString("| profile | status | resolvedModel | modelReason | currentTask | error |\n|---|---|---|---|---|---|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n", r.ProfileID, r.Status, r.ResolvedModel, r.ModelReason, r.CurrentTask, r.Error)
	}
	return b.String()
}

func renderTagsMarkdown(tags map[string][]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("| tag | profiles |\n|---|---|\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "| %s | %s |\n", k, strings.Join(tags[k], ", "))
	}
	return b.String()
}
