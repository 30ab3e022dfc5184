package services

import (
	"slices"

	"flowspec/backend/pkg/models"
)

// composeView overlays the draft delta onto the relational structure.
// Relational rows absent from the buffer are kept: the buffer is a delta,
// never a replacement. Positions come from relational truth and fall back
// to the buffer only when the relational row has none.
func composeView(relNodes []models.Node, relGates []models.Gate, content *models.DraftContent) ([]models.Node, []models.Gate) {
	if content == nil {
		return relNodes, relGates
	}
	buffered := make(map[string]models.Node, len(content.Nodes))
	for _, n := range content.Nodes {
		buffered[n.ID] = n
	}
	deletedNodes := toSet(content.DeletedNodeIDs)
	deletedGates := toSet(content.DeletedGateIDs)

	nodes := make([]models.Node, 0, len(relNodes)+len(content.Nodes))
	relational := make(map[string]bool, len(relNodes))
	for _, rel := range relNodes {
		relational[rel.ID] = true
		if deletedNodes[rel.ID] {
			continue
		}
		b, ok := buffered[rel.ID]
		if !ok {
			nodes = append(nodes, rel)
			continue
		}
		merged := b
		merged.WorkflowID = rel.WorkflowID
		merged.Position = rel.Position
		if merged.Position == nil {
			merged.Position = b.Position
		}
		nodes = append(nodes, merged)
	}
	for _, b := range content.Nodes {
		if !relational[b.ID] && !deletedNodes[b.ID] {
			nodes = append(nodes, b)
		}
	}

	live := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		live[n.ID] = true
	}
	bufferedGates := make(map[string]models.Gate, len(content.Gates))
	for _, g := range content.Gates {
		bufferedGates[g.ID] = g
	}
	gates := make([]models.Gate, 0, len(relGates)+len(content.Gates))
	seen := make(map[string]bool)
	for _, rel := range relGates {
		seen[rel.ID] = true
		if deletedGates[rel.ID] {
			continue
		}
		g := rel
		if b, ok := bufferedGates[rel.ID]; ok {
			g = b
			g.WorkflowID = rel.WorkflowID
		}
		gates = append(gates, g)
	}
	for _, b := range content.Gates {
		if !seen[b.ID] && !deletedGates[b.ID] {
			gates = append(gates, b)
		}
	}
	gates = slices.DeleteFunc(gates, func(g models.Gate) bool {
		return !live[g.SourceNodeID] || (g.TargetNodeID != nil && !live[*g.TargetNodeID])
	})
	return nodes, gates
}

// semanticDocument strips layout from a structure.
func semanticDocument(nodes []models.Node, gates []models.Gate) models.SemanticDocument {
	doc := models.SemanticDocument{
		Nodes: make([]models.Node, len(nodes)),
		Gates: make([]models.Gate, len(gates)),
	}
	for i, n := range nodes {
		n.Position = nil
		n.WorkflowID = ""
		n.Tasks = slices.Clone(n.Tasks)
		for j := range n.Tasks {
			n.Tasks[j].NodeID = ""
		}
		doc.Nodes[i] = n
	}
	for i, g := range gates {
		g.WorkflowID = ""
		doc.Gates[i] = g
	}
	return doc
}

func layoutOf(nodes []models.Node) map[string]models.Position {
	layout := make(map[string]models.Position)
	for _, n := range nodes {
		if n.Position != nil {
			layout[n.ID] = *n.Position
		}
	}
	return layout
}

func findNode(nodes []models.Node, nodeID string) (models.Node, bool) {
	for _, n := range nodes {
		if n.ID == nodeID {
			return n, true
		}
	}
	return models.Node{}, false
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
