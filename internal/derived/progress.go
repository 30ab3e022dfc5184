package derived

import (
	"flowspec/backend/pkg/models"
)

// NodeProgress summarizes one node of a flow at its latest iteration.
type NodeProgress struct {
	NodeID         string `json:"node_id"`
	Name           string `json:"name"`
	Activated      bool   `json:"activated"`
	Iteration      int    `json:"iteration"`
	Complete       bool   `json:"complete"`
	TasksTotal     int    `json:"tasks_total"`
	TasksDone      int    `json:"tasks_done"`
	TasksStarted   int    `json:"tasks_started"`
	OnDetour       bool   `json:"on_detour"`
	CompletionRule string `json:"completion_rule"`
}

// FlowProgress is a read-only summary of a flow.
type FlowProgress struct {
	FlowID        string            `json:"flow_id"`
	Status        models.FlowStatus `json:"status"`
	Nodes         []NodeProgress    `json:"nodes"`
	OpenNodes     []string          `json:"open_nodes"`
	ActiveDetours int               `json:"active_detours"`
	Complete      bool              `json:"complete"`
}

// Progress computes FlowProgress from truth.
func Progress(t FlowTruth) FlowProgress {
	p := FlowProgress{
		FlowID:        t.Flow.ID,
		Status:        t.Flow.Status,
		OpenNodes:     OpenNodes(t.Snapshot, t.Activations, t.Executions),
		ActiveDetours: len(ActiveDetours(t.Detours)),
		Complete:      FlowComplete(t.Snapshot, t.Activations, t.Executions),
	}
	current := CurrentIterations(t.Activations)
	for ni := range t.Snapshot.Nodes {
		node := &t.Snapshot.Nodes[ni]
		np := NodeProgress{
			NodeID:         node.ID,
			Name:           node.Name,
			TasksTotal:     len(node.Tasks),
			OnDetour:       OnDetour(t.Detours, node.ID),
			CompletionRule: string(node.Rule()),
		}
		if it, ok := current[node.ID]; ok {
			np.Activated = true
			np.Iteration = it
			np.Complete = NodeComplete(node, it, t.Executions)
			for _, task := range node.Tasks {
				if e := Execution(t.Executions, task.ID, it); e != nil {
					if e.Done() {
						np.TasksDone++
					} else {
						np.TasksStarted++
					}
				}
			}
		}
		p.Nodes = append(p.Nodes, np)
	}
	return p
}

// FlowSummary is one flow as shown in a group view.
type FlowSummary struct {
	FlowID            string            `json:"flow_id"`
	WorkflowID        string            `json:"workflow_id"`
	WorkflowVersionID string            `json:"workflow_version_id"`
	Status            models.FlowStatus `json:"status"`
	ParentFlowID      *string           `json:"parent_flow_id,omitempty"`
}

// FlowGroupView shows every flow of a scope. IsBlocked is computed on every
// read and never stored on the group.
type FlowGroupView struct {
	GroupID   string        `json:"flow_group_id"`
	Scope     models.Scope  `json:"scope"`
	Flows     []FlowSummary `json:"flows"`
	IsBlocked bool          `json:"is_blocked"`
}

// GroupView computes the group view from its flows.
func GroupView(group *models.FlowGroup, flows []*models.Flow) FlowGroupView {
	v := FlowGroupView{GroupID: group.ID, Scope: group.Scope, Flows: []FlowSummary{}}
	for _, f := range flows {
		v.Flows = append(v.Flows, FlowSummary{
			FlowID:            f.ID,
			WorkflowID:        f.WorkflowID,
			WorkflowVersionID: f.WorkflowVersionID,
			Status:            f.Status,
			ParentFlowID:      f.ParentFlowID,
		})
		if f.Status == models.FlowStatusBlocked {
			v.IsBlocked = true
		}
	}
	return v
}
