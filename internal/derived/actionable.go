package derived

import (
	"flowspec/backend/pkg/models"
)

// TaskState is the state of a task at its node's latest iteration.
type TaskState string

const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskDone       TaskState = "DONE"
)

// Blocker names why a task cannot be started right now.
type Blocker string

const (
	BlockerNone          Blocker = ""
	BlockerFlowInactive  Blocker = "FLOW_INACTIVE"
	BlockerNotActivated  Blocker = "NODE_NOT_ACTIVATED"
	BlockerNodeComplete  Blocker = "NODE_COMPLETE"
	BlockerAlreadyDone   Blocker = "ALREADY_DONE"
	BlockerStarted       Blocker = "ALREADY_STARTED"
	BlockerDependency    Blocker = "DEPENDENCY_UNMET"
	BlockerBlockedDetour Blocker = "BLOCKING_DETOUR"
)

// Startable evaluates whether taskID may be started and at which iteration.
// This is the single actionability gate; outcomes are never re-checked.
//
// BLOCKED flows stay startable: the status is an advisory signal only.
func Startable(t FlowTruth, node *models.Node, task *models.Task) (int, Blocker) {
	switch t.Flow.Status {
	case models.FlowStatusSuspended, models.FlowStatusCompleted:
		return 0, BlockerFlowInactive
	}

	iteration, ok := CurrentIterations(t.Activations)[node.ID]
	if !ok {
		return 0, BlockerNotActivated
	}
	if e := Execution(t.Executions, task.ID, iteration); e != nil {
		if e.Done() {
			return iteration, BlockerAlreadyDone
		}
		return iteration, BlockerStarted
	}
	if NodeComplete(node, iteration, t.Executions) {
		return iteration, BlockerNodeComplete
	}
	for _, dep := range task.Dependencies {
		if !DependencySatisfied(dep, t.GroupFlows, t.GroupExecutions) {
			return iteration, BlockerDependency
		}
	}
	if d := BlockingDetour(t.Detours); d != nil && d.ResumeTargetNodeID != node.ID {
		return iteration, BlockerBlockedDetour
	}
	return iteration, BlockerNone
}

// ActionableTask is a task a user can act on now: start it, or record its
// outcome.
type ActionableTask struct {
	FlowID           string    `json:"flow_id"`
	FlowGroupID      string    `json:"flow_group_id"`
	WorkflowID       string    `json:"workflow_id"`
	NodeID           string    `json:"node_id"`
	NodeName         string    `json:"node_name"`
	TaskID           string    `json:"task_id"`
	TaskName         string    `json:"task_name"`
	Iteration        int       `json:"iteration"`
	State            TaskState `json:"state"`
	ExecutionID      *string   `json:"task_execution_id,omitempty"`
	Outcomes         []string  `json:"outcomes"`
	EvidenceRequired bool      `json:"evidence_required"`
	OnDetour         bool      `json:"on_detour"`
}

// ActionableTasks lists tasks at the latest iteration of each open node
// that are either startable now or started and awaiting an outcome. Older
// iterations are never exposed.
func ActionableTasks(t FlowTruth) []ActionableTask {
	var out []ActionableTask
	if t.Flow.Status == models.FlowStatusSuspended || t.Flow.Status == models.FlowStatusCompleted {
		return out
	}
	current := CurrentIterations(t.Activations)
	for ni := range t.Snapshot.Nodes {
		node := &t.Snapshot.Nodes[ni]
		iteration, ok := current[node.ID]
		if !ok || NodeComplete(node, iteration, t.Executions) {
			continue
		}
		for ti := range node.Tasks {
			task := &node.Tasks[ti]
			item := ActionableTask{
				FlowID:           t.Flow.ID,
				FlowGroupID:      t.Flow.FlowGroupID,
				WorkflowID:       t.Flow.WorkflowID,
				NodeID:           node.ID,
				NodeName:         node.Name,
				TaskID:           task.ID,
				TaskName:         task.Name,
				Iteration:        iteration,
				Outcomes:         outcomeNames(task),
				EvidenceRequired: task.EvidenceRequired,
				OnDetour:         OnDetour(t.Detours, node.ID),
			}
			if e := Execution(t.Executions, task.ID, iteration); e != nil {
				if e.Done() {
					continue
				}
				id := e.ID
				item.State = TaskInProgress
				item.ExecutionID = &id
				out = append(out, item)
				continue
			}
			if _, blocker := Startable(t, node, task); blocker != BlockerNone {
				continue
			}
			item.State = TaskNotStarted
			out = append(out, item)
		}
	}
	return out
}

func outcomeNames(task *models.Task) []string {
	names := make([]string, 0, len(task.Outcomes))
	for _, o := range task.Outcomes {
		names = append(names, o.Name)
	}
	return names
}
