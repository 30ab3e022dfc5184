// Package derived computes execution views from append-only truth. Nothing
// here reads or writes storage, and nothing it returns is persisted.
package derived

import (
	"flowspec/backend/pkg/models"
)

// FlowTruth is everything recorded for one flow plus the cross-flow rows of
// its group that dependency checks need.
type FlowTruth struct {
	Flow        *models.Flow
	Snapshot    *models.Snapshot
	Activations []models.NodeActivation
	Executions  []models.TaskExecution
	Detours     []models.DetourRecord

	GroupFlows      []*models.Flow
	GroupExecutions []models.TaskExecution
}

// CurrentIterations maps each activated node to its latest iteration.
func CurrentIterations(acts []models.NodeActivation) map[string]int {
	out := make(map[string]int)
	for _, a := range acts {
		if a.Iteration > out[a.NodeID] {
			out[a.NodeID] = a.Iteration
		}
	}
	return out
}

// NextIteration is the iteration a new activation of nodeID receives.
func NextIteration(acts []models.NodeActivation, nodeID string) int {
	return CurrentIterations(acts)[nodeID] + 1
}

// Execution returns the row for (taskID, iteration), if any.
func Execution(execs []models.TaskExecution, taskID string, iteration int) *models.TaskExecution {
	for i := range execs {
		if execs[i].TaskID == taskID && execs[i].Iteration == iteration {
			return &execs[i]
		}
	}
	return nil
}

// NodeComplete evaluates the node's completion rule at one iteration.
func NodeComplete(node *models.Node, iteration int, execs []models.TaskExecution) bool {
	if len(node.Tasks) == 0 {
		return true
	}
	done := 0
	for _, t := range node.Tasks {
		if e := Execution(execs, t.ID, iteration); e != nil && e.Done() {
			done++
		}
	}
	if node.Rule() == models.CompletionAnyTaskDone {
		return done > 0
	}
	return done == len(node.Tasks)
}

// RoutedOutcomes lists the distinct outcomes recorded on the node's tasks at
// iteration, in task order. These are the outcomes routed when the node
// completes.
func RoutedOutcomes(node *models.Node, iteration int, execs []models.TaskExecution) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range node.Tasks {
		e := Execution(execs, t.ID, iteration)
		if e == nil || !e.Done() || seen[*e.Outcome] {
			continue
		}
		seen[*e.Outcome] = true
		out = append(out, *e.Outcome)
	}
	return out
}

// OpenNodes returns the nodes whose latest activation has not completed.
func OpenNodes(snap *models.Snapshot, acts []models.NodeActivation, execs []models.TaskExecution) []string {
	var open []string
	current := CurrentIterations(acts)
	for _, n := range snap.Nodes {
		it, ok := current[n.ID]
		if !ok {
			continue
		}
		if !NodeComplete(&n, it, execs) {
			open = append(open, n.ID)
		}
	}
	return open
}

// FlowComplete reports whether every activated branch has reached a
// terminal point.
func FlowComplete(snap *models.Snapshot, acts []models.NodeActivation, execs []models.TaskExecution) bool {
	return len(acts) > 0 && len(OpenNodes(snap, acts, execs)) == 0
}

// DependencySatisfied reports whether some flow of the group bound to the
// dependency's workflow recorded the required outcome on the source task.
func DependencySatisfied(dep models.CrossFlowDependency, groupFlows []*models.Flow, groupExecs []models.TaskExecution) bool {
	bound := make(map[string]bool)
	for _, f := range groupFlows {
		if f.WorkflowID == dep.SourceWorkflowID {
			bound[f.ID] = true
		}
	}
	for _, e := range groupExecs {
		if bound[e.FlowID] && e.TaskID == dep.SourceTaskID && e.Outcome != nil && *e.Outcome == dep.RequiredOutcome {
			return true
		}
	}
	return false
}

// ActiveDetours returns the detours of the flow that are still open.
func ActiveDetours(detours []models.DetourRecord) []models.DetourRecord {
	var out []models.DetourRecord
	for _, d := range detours {
		if d.Status == models.DetourActive {
			out = append(out, d)
		}
	}
	return out
}

// BlockingDetour returns the first active BLOCKING detour, if any.
func BlockingDetour(detours []models.DetourRecord) *models.DetourRecord {
	for _, d := range ActiveDetours(detours) {
		if d.Type == models.DetourBlocking {
			return &d
		}
	}
	return nil
}

// OnDetour reports whether nodeID is the resume target of an active detour.
func OnDetour(detours []models.DetourRecord, nodeID string) bool {
	for _, d := range ActiveDetours(detours) {
		if d.ResumeTargetNodeID == nodeID {
			return true
		}
	}
	return false
}
