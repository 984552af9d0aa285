// Package planner turns an objective and a worker roster into an ordered,
// worker-assigned task list by asking a planner persona for a structured plan.
package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"

	"github.com/kaptinlin/jsonrepair"
)

// ErrPlanInvalid is returned when the planner output cannot be turned into a
// valid plan, even after one repair attempt.
var ErrPlanInvalid = errors.New("plan invalid")

// DefaultProcess is used when the planner omits one.
const DefaultProcess = "sequential"

// Plan is a resolved, ordered pipeline.
type Plan struct {
	Tasks               []conversation.Task
	Process             string
	ClarifyingQuestions []string
	WorkerIDs           []string
	InputSchema         []map[string]any
}

// flexInt accepts numbers and numeric strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("order %q is not a number", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type rawTask struct {
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	ExpectedOutput      string  `json:"expectedOutput"`
	ExpectedOutputSnake string  `json:"expected_output"`
	AgentID             string  `json:"agentId"`
	AgentIDSnake        string  `json:"agent_id"`
	Order               flexInt `json:"order"`
}

func (t rawTask) expectedOutput() string {
	if strings.TrimSpace(t.ExpectedOutput) != "" {
		return t.ExpectedOutput
	}
	return t.ExpectedOutputSnake
}

func (t rawTask) agentID() string {
	if strings.TrimSpace(t.AgentID) != "" {
		return t.AgentID
	}
	return t.AgentIDSnake
}

type rawPlan struct {
	Agents           []string         `json:"agents"`
	Tasks            []rawTask        `json:"tasks"`
	Process          string           `json:"process"`
	InputSchema      []map[string]any `json:"inputSchema"`
	InputSchemaSnake []map[string]any `json:"input_schema"`
	Questions        []string         `json:"questions"`
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// parse decodes planner output into a raw plan, repairing near-JSON syntax.
func parse(output string) (rawPlan, error) {
	text := stripFences(output)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}
	if strings.TrimSpace(text) == "" {
		return rawPlan{}, errors.New("empty planner output")
	}

	var plan rawPlan
	if err := json.Unmarshal([]byte(text), &plan); err == nil {
		return plan, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return rawPlan{}, fmt.Errorf("planner output is not JSON: %w", err)
	}
	plan = rawPlan{}
	if err := json.Unmarshal([]byte(repaired), &plan); err != nil {
		return rawPlan{}, fmt.Errorf("decode planner output: %w", err)
	}
	return plan, nil
}

// validate checks that the plan has at least one complete task.
func validate(plan rawPlan) error {
	if len(plan.Tasks) == 0 {
		return errors.New("plan has no tasks")
	}
	var problems []string
	for i, task := range plan.Tasks {
		var missing []string
		if strings.TrimSpace(task.Name) == "" {
			missing = append(missing, "name")
		}
		if strings.TrimSpace(task.Description) == "" {
			missing = append(missing, "description")
		}
		if strings.TrimSpace(task.expectedOutput()) == "" {
			missing = append(missing, "expectedOutput")
		}
		if len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("task %d missing %s", i+1, strings.Join(missing, ", ")))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// build resolves workers, orders tasks and assigns ids.
func build(raw rawPlan, roster []catalog.Worker) Plan {
	items := append([]rawTask(nil), raw.Tasks...)
	// Ties, including tasks that omit order, keep declaration position.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Order < items[j].Order
	})

	plan := Plan{
		Process:             strings.TrimSpace(raw.Process),
		ClarifyingQuestions: nonBlank(raw.Questions),
		InputSchema:         raw.InputSchema,
	}
	if plan.Process == "" {
		plan.Process = DefaultProcess
	}
	if plan.InputSchema == nil {
		plan.InputSchema = raw.InputSchemaSnake
	}
	if plan.InputSchema == nil {
		plan.InputSchema = []map[string]any{}
	}

	seen := make(map[string]bool)
	for i, item := range items {
		order := i + 1
		w, _ := ResolveWorker(item.agentID(), roster)
		plan.Tasks = append(plan.Tasks, conversation.Task{
			ID:             TaskID(order, item.Name),
			Name:           strings.TrimSpace(item.Name),
			Description:    strings.TrimSpace(item.Description),
			ExpectedOutput: strings.TrimSpace(item.expectedOutput()),
			WorkerID:       w.ID,
			Order:          order,
		})
		if w.ID != "" && !seen[w.ID] {
			seen[w.ID] = true
			plan.WorkerIDs = append(plan.WorkerIDs, w.ID)
		}
	}
	return plan
}

// TaskID renders "task-{order}-{name}" lowercased with spaces as hyphens.
func TaskID(order int, name string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(name), "-"))
	return fmt.Sprintf("task-%d-%s", order, slug)
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
