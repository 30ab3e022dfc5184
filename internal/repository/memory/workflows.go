package memory

import (
	"context"
	"sort"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
)

func (q *queries) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	var out *models.Company
	err := q.view(func(st *state) error {
		for _, c := range st.companies {
			if c.Domain == domain {
				cp := c
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) CreateCompany(ctx context.Context, company *models.Company) error {
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		for _, c := range st.companies {
			if c.Domain == company.Domain {
				return repository.ErrConflict
			}
		}
		st.companies = append(st.companies, *company)
		return nil
	})
}

func (q *queries) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		for _, w := range st.workflows {
			if w.ID == wf.ID {
				return repository.ErrConflict
			}
		}
		st.workflows = append(st.workflows, deepCopy(*wf))
		return nil
	})
}

func (q *queries) GetWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error) {
	var out *models.Workflow
	err := q.view(func(st *state) error {
		i := findWorkflow(st, companyID, workflowID)
		if i < 0 {
			return repository.ErrNotFound
		}
		wf := deepCopy(st.workflows[i])
		out = &wf
		return nil
	})
	return out, err
}

// LockWorkflow is a plain read: transactions are already serialized.
func (q *queries) LockWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error) {
	return q.GetWorkflow(ctx, companyID, workflowID)
}

func (q *queries) ListWorkflows(ctx context.Context, companyID string) ([]*models.Workflow, error) {
	var out []*models.Workflow
	err := q.view(func(st *state) error {
		for _, w := range st.workflows {
			if w.CompanyID == companyID {
				cp := deepCopy(w)
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) TransitionWorkflowStatus(ctx context.Context, companyID, workflowID string, from []models.WorkflowStatus, to models.WorkflowStatus) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		i := findWorkflow(st, companyID, workflowID)
		if i < 0 || !containsStatus(from, st.workflows[i].Status) {
			return nil
		}
		st.workflows[i].Status = to
		changed = true
		return nil
	})
	return changed, err
}

func (q *queries) MarkWorkflowPublished(ctx context.Context, companyID, workflowID, versionID string, version int) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		i := findWorkflow(st, companyID, workflowID)
		if i < 0 || st.workflows[i].Status != models.WorkflowStatusValidated {
			return nil
		}
		vid := versionID
		st.workflows[i].Status = models.WorkflowStatusPublished
		st.workflows[i].Version = version
		st.workflows[i].PublishedVersionID = &vid
		changed = true
		return nil
	})
	return changed, err
}

func (q *queries) ListNodes(ctx context.Context, workflowID string) ([]models.Node, error) {
	var out []models.Node
	err := q.view(func(st *state) error {
		for _, n := range st.nodes {
			if n.WorkflowID == workflowID {
				out = append(out, deepCopy(n))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) SaveNode(ctx context.Context, node models.Node) error {
	node = deepCopy(node)
	for i := range node.Tasks {
		node.Tasks[i].NodeID = node.ID
	}
	sort.SliceStable(node.Tasks, func(i, j int) bool { return node.Tasks[i].Position < node.Tasks[j].Position })
	return q.update(func(st *state) error {
		for i, n := range st.nodes {
			if n.ID == node.ID && n.WorkflowID == node.WorkflowID {
				if node.Position == nil {
					node.Position = n.Position
				}
				st.nodes[i] = node
				return nil
			}
		}
		st.nodes = append(st.nodes, node)
		return nil
	})
}

func (q *queries) UpdateNodePosition(ctx context.Context, workflowID, nodeID string, pos models.Position) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		for i, n := range st.nodes {
			if n.ID == nodeID && n.WorkflowID == workflowID {
				p := pos
				st.nodes[i].Position = &p
				changed = true
				return nil
			}
		}
		return nil
	})
	return changed, err
}

func (q *queries) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	return q.update(func(st *state) error {
		nodes := st.nodes[:0:0]
		for _, n := range st.nodes {
			if !(n.ID == nodeID && n.WorkflowID == workflowID) {
				nodes = append(nodes, n)
			}
		}
		st.nodes = nodes

		gates := st.gates[:0:0]
		for _, g := range st.gates {
			touches := g.SourceNodeID == nodeID || (g.TargetNodeID != nil && *g.TargetNodeID == nodeID)
			if !(g.WorkflowID == workflowID && touches) {
				gates = append(gates, g)
			}
		}
		st.gates = gates
		return nil
	})
}

func (q *queries) ListGates(ctx context.Context, workflowID string) ([]models.Gate, error) {
	var out []models.Gate
	err := q.view(func(st *state) error {
		for _, g := range st.gates {
			if g.WorkflowID == workflowID {
				out = append(out, deepCopy(g))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) SaveGate(ctx context.Context, gate models.Gate) error {
	gate = deepCopy(gate)
	return q.update(func(st *state) error {
		for _, g := range st.gates {
			if g.WorkflowID == gate.WorkflowID && g.ID != gate.ID && g.Key() == gate.Key() {
				return repository.ErrConflict
			}
		}
		for i, g := range st.gates {
			if g.ID == gate.ID && g.WorkflowID == gate.WorkflowID {
				st.gates[i] = gate
				return nil
			}
		}
		st.gates = append(st.gates, gate)
		return nil
	})
}

func (q *queries) DeleteGate(ctx context.Context, workflowID, gateID string) error {
	return q.update(func(st *state) error {
		gates := st.gates[:0:0]
		for _, g := range st.gates {
			if !(g.ID == gateID && g.WorkflowID == workflowID) {
				gates = append(gates, g)
			}
		}
		st.gates = gates
		return nil
	})
}

func (q *queries) ListFanOutRules(ctx context.Context, workflowID string) ([]models.FanOutRule, error) {
	var out []models.FanOutRule
	err := q.view(func(st *state) error {
		for _, r := range st.rules {
			if r.WorkflowID == workflowID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) CreateFanOutRule(ctx context.Context, rule *models.FanOutRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		st.rules = append(st.rules, *rule)
		return nil
	})
}

func (q *queries) DeleteFanOutRule(ctx context.Context, workflowID, ruleID string) (bool, error) {
	deleted := false
	err := q.update(func(st *state) error {
		rules := st.rules[:0:0]
		for _, r := range st.rules {
			if r.ID == ruleID && r.WorkflowID == workflowID {
				deleted = true
				continue
			}
			rules = append(rules, r)
		}
		st.rules = rules
		return nil
	})
	return deleted, err
}

func (q *queries) CreateWorkflowVersion(ctx context.Context, v *models.WorkflowVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		for _, existing := range st.versions {
			if existing.WorkflowID == v.WorkflowID && existing.Version == v.Version {
				return repository.ErrConflict
			}
		}
		st.versions = append(st.versions, deepCopy(*v))
		return nil
	})
}

func (q *queries) GetWorkflowVersion(ctx context.Context, versionID string) (*models.WorkflowVersion, error) {
	var out *models.WorkflowVersion
	err := q.view(func(st *state) error {
		for _, v := range st.versions {
			if v.ID == versionID {
				cp := deepCopy(v)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) GetWorkflowVersionByNumber(ctx context.Context, companyID, workflowID string, version int) (*models.WorkflowVersion, error) {
	var out *models.WorkflowVersion
	err := q.view(func(st *state) error {
		for _, v := range st.versions {
			if v.CompanyID == companyID && v.WorkflowID == workflowID && v.Version == version {
				cp := deepCopy(v)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) ListWorkflowVersions(ctx context.Context, companyID, workflowID string) ([]*models.WorkflowVersion, error) {
	var out []*models.WorkflowVersion
	err := q.view(func(st *state) error {
		for _, v := range st.versions {
			if v.CompanyID == companyID && v.WorkflowID == workflowID {
				cp := deepCopy(v)
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, err
}

func findWorkflow(st *state, companyID, workflowID string) int {
	for i, w := range st.workflows {
		if w.ID == workflowID && w.CompanyID == companyID {
			return i
		}
	}
	return -1
}
