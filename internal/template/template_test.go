package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"flowspec/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
workflows:
  - key: sales
    name: Sales
    publish: true
    nodes:
      - key: qualify
        name: Qualify
        entry: true
        position: {x: 10, y: 20}
        tasks:
          - key: call
            name: Call customer
            outcomes: [WON, LOST]
          - key: quote
            name: Send quote
            outcomes: [SENT]
            evidence_required: true
            evidence_schema:
              type: object
              required: [amount]
              properties:
                amount: {type: number}
    gates:
      - {from: qualify, outcome: WON}
      - {from: qualify, outcome: LOST}
      - {from: qualify, outcome: SENT}
    fan_out:
      - {from: qualify, outcome: WON, workflow: install}
  - key: install
    name: Install
    nodes:
      - key: schedule
        name: Schedule
        entry: true
        completion_rule: ANY_TASK_DONE
        tasks:
          - key: book
            name: Book crew
            outcomes: [BOOKED]
            depends_on:
              - {workflow: sales, task: call, outcome: WON}
    gates:
      - {from: schedule, outcome: BOOKED}
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, f.Workflows, 2)

	ids := map[string]string{"sales": "wf-sales", "install": "wf-install"}

	nodes, gates, err := f.Workflows[0].Structure(ids)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "qualify", nodes[0].ID)
	assert.True(t, nodes[0].IsEntry)
	assert.Equal(t, models.CompletionAllTasksDone, nodes[0].CompletionRule)
	assert.Equal(t, &models.Position{X: 10, Y: 20}, nodes[0].Position)
	require.Len(t, nodes[0].Tasks, 2)
	assert.Equal(t, 1, nodes[0].Tasks[1].Position)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(nodes[0].Tasks[1].EvidenceSchema, &schema))
	assert.Equal(t, "object", schema["type"])

	require.Len(t, gates, 3)
	for _, g := range gates {
		assert.Nil(t, g.TargetNodeID)
		assert.NotEmpty(t, g.ID)
	}

	rules := f.Workflows[0].FanOutRules(ids)
	require.Len(t, rules, 1)
	assert.Equal(t, "wf-sales", rules[0].WorkflowID)
	assert.Equal(t, "wf-install", rules[0].TargetWorkflowID)

	nodes, _, err = f.Workflows[1].Structure(ids)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionAnyTaskDone, nodes[0].CompletionRule)
	assert.Equal(t, []models.CrossFlowDependency{
		{SourceWorkflowID: "wf-sales", SourceTaskID: "call", RequiredOutcome: "WON"},
	}, nodes[0].Tasks[0].Dependencies)
}

func TestParseRejectsBrokenReferences(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "workflows: []"},
		{"duplicate workflow", `
workflows:
  - {key: a, name: A}
  - {key: a, name: B}`},
		{"gate to unknown node", `
workflows:
  - key: a
    name: A
    nodes: [{key: n, name: N}]
    gates: [{from: n, outcome: X, to: missing}]`},
		{"fan-out to unknown workflow", `
workflows:
  - key: a
    name: A
    nodes: [{key: n, name: N}]
    fan_out: [{from: n, outcome: X, workflow: b}]`},
		{"invalid yaml", "workflows: [:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Sales", f.Workflows[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
