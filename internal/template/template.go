// Package template reads workflow definitions from YAML so that a set of
// workflows can be imported or seeded in one step.
package template

import (
	"encoding/json"
	"fmt"
	"os"

	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// File is a template document holding one or more workflows.
type File struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Workflow is one workflow template. Key is local to the file and is how
// fan-out rules and dependencies refer to other workflows of the file.
type Workflow struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Publish     bool     `yaml:"publish"`
	Nodes       []Node   `yaml:"nodes"`
	Gates       []Gate   `yaml:"gates"`
	FanOut      []FanOut `yaml:"fan_out"`
}

type Node struct {
	Key            string           `yaml:"key"`
	Name           string           `yaml:"name"`
	Entry          bool             `yaml:"entry"`
	CompletionRule string           `yaml:"completion_rule"`
	Position       *models.Position `yaml:"position"`
	Tasks          []Task           `yaml:"tasks"`
}

type Task struct {
	Key              string         `yaml:"key"`
	Name             string         `yaml:"name"`
	Instructions     string         `yaml:"instructions"`
	Outcomes         []string       `yaml:"outcomes"`
	EvidenceRequired bool           `yaml:"evidence_required"`
	EvidenceSchema   map[string]any `yaml:"evidence_schema"`
	DependsOn        []Dependency   `yaml:"depends_on"`
}

// Dependency names a task outcome of another workflow of the same file.
type Dependency struct {
	Workflow string `yaml:"workflow"`
	Task     string `yaml:"task"`
	Outcome  string `yaml:"outcome"`
}

// Gate routes an outcome of From to To. An empty To is terminal.
type Gate struct {
	From    string `yaml:"from"`
	Outcome string `yaml:"outcome"`
	To      string `yaml:"to"`
}

type FanOut struct {
	From     string `yaml:"from"`
	Outcome  string `yaml:"outcome"`
	Workflow string `yaml:"workflow"`
}

// Load reads and parses a template file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a template document and checks its references.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) check() error {
	if len(f.Workflows) == 0 {
		return fmt.Errorf("template defines no workflows")
	}
	keys := make(map[string]*Workflow)
	for i := range f.Workflows {
		w := &f.Workflows[i]
		if w.Key == "" || w.Name == "" {
			return fmt.Errorf("workflow %d: key and name are required", i)
		}
		if keys[w.Key] != nil {
			return fmt.Errorf("workflow %s: duplicate key", w.Key)
		}
		keys[w.Key] = w
	}
	for _, w := range f.Workflows {
		nodes := make(map[string]bool)
		for _, n := range w.Nodes {
			if n.Key == "" {
				return fmt.Errorf("workflow %s: node key is required", w.Key)
			}
			if nodes[n.Key] {
				return fmt.Errorf("workflow %s: duplicate node %s", w.Key, n.Key)
			}
			nodes[n.Key] = true
			for _, t := range n.Tasks {
				for _, d := range t.DependsOn {
					if keys[d.Workflow] == nil {
						return fmt.Errorf("workflow %s: task %s depends on unknown workflow %s", w.Key, t.Key, d.Workflow)
					}
				}
			}
		}
		for _, g := range w.Gates {
			if !nodes[g.From] || (g.To != "" && !nodes[g.To]) {
				return fmt.Errorf("workflow %s: gate %s/%s references an unknown node", w.Key, g.From, g.Outcome)
			}
		}
		for _, fo := range w.FanOut {
			if !nodes[fo.From] {
				return fmt.Errorf("workflow %s: fan-out from unknown node %s", w.Key, fo.From)
			}
			if keys[fo.Workflow] == nil {
				return fmt.Errorf("workflow %s: fan-out to unknown workflow %s", w.Key, fo.Workflow)
			}
		}
	}
	return nil
}

// Structure converts the workflow into nodes and gates. Node and task keys
// become their ids; ids maps workflow keys of the file to stored ids.
func (w *Workflow) Structure(ids map[string]string) ([]models.Node, []models.Gate, error) {
	nodes := make([]models.Node, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		node := models.Node{
			ID:             n.Key,
			Name:           n.Name,
			IsEntry:        n.Entry,
			CompletionRule: models.CompletionRule(n.CompletionRule),
			Position:       n.Position,
			Tasks:          make([]models.Task, 0, len(n.Tasks)),
		}
		if node.CompletionRule == "" {
			node.CompletionRule = models.CompletionAllTasksDone
		}
		for i, t := range n.Tasks {
			task := models.Task{
				ID:               t.Key,
				NodeID:           n.Key,
				Name:             t.Name,
				Instructions:     t.Instructions,
				Position:         i,
				Outcomes:         make([]models.Outcome, 0, len(t.Outcomes)),
				EvidenceRequired: t.EvidenceRequired,
			}
			for _, o := range t.Outcomes {
				task.Outcomes = append(task.Outcomes, models.Outcome{Name: o})
			}
			if t.EvidenceSchema != nil {
				raw, err := json.Marshal(t.EvidenceSchema)
				if err != nil {
					return nil, nil, fmt.Errorf("task %s: failed to encode evidence schema: %w", t.Key, err)
				}
				task.EvidenceSchema = raw
			}
			for _, d := range t.DependsOn {
				task.Dependencies = append(task.Dependencies, models.CrossFlowDependency{
					SourceWorkflowID: ids[d.Workflow],
					SourceTaskID:     d.Task,
					RequiredOutcome:  d.Outcome,
				})
			}
			node.Tasks = append(node.Tasks, task)
		}
		nodes = append(nodes, node)
	}

	gates := make([]models.Gate, 0, len(w.Gates))
	for _, g := range w.Gates {
		gate := models.Gate{ID: uuid.NewString(), SourceNodeID: g.From, OutcomeName: g.Outcome}
		if g.To != "" {
			to := g.To
			gate.TargetNodeID = &to
		}
		gates = append(gates, gate)
	}
	return nodes, gates, nil
}

// FanOutRules converts the workflow's fan-out entries, resolving target
// workflow keys through ids.
func (w *Workflow) FanOutRules(ids map[string]string) []models.FanOutRule {
	rules := make([]models.FanOutRule, 0, len(w.FanOut))
	for _, fo := range w.FanOut {
		rules = append(rules, models.FanOutRule{
			WorkflowID:       ids[w.Key],
			SourceNodeID:     fo.From,
			TriggerOutcome:   fo.Outcome,
			TargetWorkflowID: ids[fo.Workflow],
		})
	}
	return rules
}
