package models

import (
	"encoding/json"
	"fmt"
)

// SnapshotSchemaVersion is the document format written by Publish.
//
// Version 1 documents predate the schema_version field and carry no
// fan-out rules; flows bound to them resolve fan-out rules from the
// workflow-level rules instead.
const SnapshotSchemaVersion = 2

// Snapshot is the frozen structure of a workflow at publish time
type Snapshot struct {
	SchemaVersion int          `json:"schema_version"`
	WorkflowID    string       `json:"workflow_id"`
	Name          string       `json:"name"`
	Nodes         []Node       `json:"nodes"`
	Gates         []Gate       `json:"gates"`
	FanOutRules   []FanOutRule `json:"fan_out_rules,omitempty"`
}

type snapshotHeader struct {
	SchemaVersion int `json:"schema_version"`
}

type snapshotV1 struct {
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Nodes      []Node `json:"nodes"`
	Gates      []Gate `json:"gates"`
}

// ParseSnapshot decodes a stored snapshot document of any known schema
// version into the current shape.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var header snapshotHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot header: %w", err)
	}

	switch header.SchemaVersion {
	case 0, 1:
		var legacy snapshotV1
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode v1 snapshot: %w", err)
		}
		return Snapshot{
			SchemaVersion: 1,
			WorkflowID:    legacy.WorkflowID,
			Name:          legacy.Name,
			Nodes:         legacy.Nodes,
			Gates:         legacy.Gates,
		}, nil
	case SnapshotSchemaVersion:
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode v%d snapshot: %w", header.SchemaVersion, err)
		}
		return snap, nil
	default:
		return Snapshot{}, fmt.Errorf("unsupported snapshot schema version %d", header.SchemaVersion)
	}
}

// UsesWorkflowFanOutRules reports whether fan-out rules must be read from
// the live workflow because the snapshot predates frozen rules.
func (s *Snapshot) UsesWorkflowFanOutRules() bool {
	return s.SchemaVersion < 2
}

// Node returns the node with the given id.
func (s *Snapshot) Node(nodeID string) (*Node, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].ID == nodeID {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// TaskNode locates a task and the node that owns it.
func (s *Snapshot) TaskNode(taskID string) (*Node, *Task, bool) {
	for i := range s.Nodes {
		if t, ok := s.Nodes[i].Task(taskID); ok {
			return &s.Nodes[i], t, true
		}
	}
	return nil, nil, false
}

// EntryNodes returns the nodes flagged as entry points, in document order.
func (s *Snapshot) EntryNodes() []Node {
	var entries []Node
	for _, n := range s.Nodes {
		if n.IsEntry {
			entries = append(entries, n)
		}
	}
	return entries
}

// Gate returns the gate keyed by (nodeID, outcome).
func (s *Snapshot) Gate(nodeID, outcome string) (*Gate, bool) {
	for i := range s.Gates {
		if s.Gates[i].SourceNodeID == nodeID && s.Gates[i].OutcomeName == outcome {
			return &s.Gates[i], true
		}
	}
	return nil, false
}

// MatchFanOutRules filters rules triggered by outcome on nodeID.
func MatchFanOutRules(rules []FanOutRule, nodeID, outcome string) []FanOutRule {
	var matched []FanOutRule
	for _, r := range rules {
		if r.SourceNodeID == nodeID && r.TriggerOutcome == outcome {
			matched = append(matched, r)
		}
	}
	return matched
}
