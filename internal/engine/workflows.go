package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"practiceflow/internal/automation"
	"practiceflow/internal/domain"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

func (e *Engine) CreateClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	if c.OrgID == "" || strings.TrimSpace(c.Name) == "" {
		return domain.Client{}, errors.New("org and name are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := e.now()
	c.CreatedAt, c.UpdatedAt = now, now
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.InsertClient(ctx, c); err != nil {
			return fmt.Errorf("insert client: %w", err)
		}
		return e.Activity.Append(ctx, tx, c.OrgID, "client.created", "client", c.ID, "", eventlog.Payload{"name": c.Name})
	})
	if err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

// AddClientContact stores a contact and fires client_contact_added on the client.
func (e *Engine) AddClientContact(ctx context.Context, c domain.ClientContact) (domain.ClientContact, error) {
	if c.OrgID == "" || c.ClientID == "" || strings.TrimSpace(c.Name) == "" {
		return domain.ClientContact{}, errors.New("org, client and name are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = e.now()
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if _, err := r.GetClient(ctx, c.OrgID, c.ClientID); err != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, err)
		}
		if err := r.InsertClientContact(ctx, c); err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		return e.Activity.Append(ctx, tx, c.OrgID, "client.contact_added", "client", c.ClientID, "", eventlog.Payload{"contact_id": c.ID, "role": c.Role})
	})
	if err != nil {
		return domain.ClientContact{}, err
	}
	e.dispatch(ctx, []domain.FireRequest{{
		Type:       string(automation.ClientContactAdded),
		EntityType: domain.EntityClient,
		EntityID:   c.ClientID,
		OrgID:      c.OrgID,
		NewValue:   c.ID,
		Metadata:   map[string]any{"contactId": c.ID, "contactRole": c.Role, "contactEmail": c.Email},
	}})
	return c, nil
}

// WorkflowSpec describes a template tree. Ids are optional; dependency
// entries refer to task ids given in Stages.
type WorkflowSpec struct {
	ID           string
	OrgID        string
	Name         string
	Description  string
	Stages       []StageSpec
	Dependencies []DependencySpec
}

type StageSpec struct {
	ID           string
	Name         string
	AutoProgress bool
	Steps        []StepSpec
}

type StepSpec struct {
	ID           string
	Name         string
	AutoProgress bool
	Tasks        []TaskSpec
}

type TaskSpec struct {
	ID          string
	Name        string
	Description string
	AssignedTo  string
	Priority    string
	Tags        []string
	Fields      map[string]any
}

type DependencySpec struct {
	TaskID          string
	DependsOnTaskID string
	Type            domain.DependencyType
	LagDays         int
	NonBlocking     bool
}

// CreateWorkflow inserts a template with its stages, steps, tasks and
// template dependencies in one transaction.
func (e *Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (domain.Workflow, error) {
	if spec.OrgID == "" || strings.TrimSpace(spec.Name) == "" {
		return domain.Workflow{}, errors.New("org and name are required")
	}
	now := e.now()
	wf := domain.Workflow{ID: spec.ID, OrgID: spec.OrgID, Name: spec.Name, Description: spec.Description, CreatedAt: now, UpdatedAt: now}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	node := func(id, name string, pos int, auto bool) domain.Node {
		if id == "" {
			id = uuid.NewString()
		}
		return domain.Node{ID: id, OrgID: spec.OrgID, Position: pos, Name: name, AutoProgress: auto,
			Status: domain.StatusNotStarted, CreatedAt: now, UpdatedAt: now}
	}
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		if err := r.InsertWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		for si, ss := range spec.Stages {
			stage := domain.Stage{Node: node(ss.ID, ss.Name, si, ss.AutoProgress), WorkflowID: wf.ID}
			if err := r.InsertStage(ctx, stage); err != nil {
				return fmt.Errorf("insert stage %q: %w", ss.Name, err)
			}
			for pi, ps := range ss.Steps {
				step := domain.Step{Node: node(ps.ID, ps.Name, pi, ps.AutoProgress), StageID: stage.ID}
				if err := r.InsertStep(ctx, step); err != nil {
					return fmt.Errorf("insert step %q: %w", ps.Name, err)
				}
				for ti, ts := range ps.Tasks {
					task := domain.Task{Node: node(ts.ID, ts.Name, ti, false), StepID: step.ID, Description: ts.Description,
						AssignedTo: ts.AssignedTo, Priority: ts.Priority, Tags: ts.Tags, Fields: ts.Fields}
					if err := r.InsertTask(ctx, task); err != nil {
						return fmt.Errorf("insert task %q: %w", ts.Name, err)
					}
				}
			}
		}
		for _, ds := range spec.Dependencies {
			dep := domain.TaskDependency{OrgID: spec.OrgID, WorkflowID: wf.ID, TaskID: ds.TaskID, DependsOnTaskID: ds.DependsOnTaskID,
				Type: ds.Type, LagDays: ds.LagDays, IsBlocking: !ds.NonBlocking}
			if _, err := e.Resolver.AddDependency(ctx, r, dep); err != nil {
				return fmt.Errorf("template dependency %s -> %s: %w", ds.TaskID, ds.DependsOnTaskID, err)
			}
		}
		return e.Activity.Append(ctx, tx, wf.OrgID, "workflow.created", "workflow", wf.ID, "", eventlog.Payload{"name": wf.Name})
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	return e.Workflow(ctx, wf.OrgID, wf.ID)
}

// Workflow returns a template with its tree.
func (e *Engine) Workflow(ctx context.Context, orgID, id string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, orgID, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	wf.Stages, err = e.Repo.Tree(ctx, orgID, id, "")
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("workflow tree: %w", err)
	}
	return wf, nil
}

type InstantiateOptions struct {
	ID         string
	OrgID      string
	WorkflowID string
	ClientID   string
	Name       string
	DueDate    *time.Time
	Priority   string
	AssignedTo string
}

// Instantiate clones a template into a new assignment and fires
// template_instantiated.
func (e *Engine) Instantiate(ctx context.Context, opts InstantiateOptions) (domain.Assignment, error) {
	a, reqs, err := e.instantiate(ctx, opts)
	if err != nil {
		return domain.Assignment{}, err
	}
	e.dispatch(ctx, reqs)
	return e.AssignmentTree(ctx, a.OrgID, a.ID)
}

// cloneID derives a clone's id from the assignment and the template node so
// repeated lookups of the same clone agree.
func cloneID(assignmentID, sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(assignmentID+"/"+sourceID)).String()
}

func (e *Engine) instantiate(ctx context.Context, opts InstantiateOptions) (domain.Assignment, []domain.FireRequest, error) {
	if opts.OrgID == "" || opts.WorkflowID == "" {
		return domain.Assignment{}, nil, errors.New("org and workflow are required")
	}
	now := e.now()
	a := domain.Assignment{
		ID: opts.ID, OrgID: opts.OrgID, WorkflowID: opts.WorkflowID, ClientID: opts.ClientID, Name: opts.Name,
		DueDate: opts.DueDate, Priority: opts.Priority, AssignedTo: opts.AssignedTo, Status: domain.StatusNotStarted,
		CreatedAt: now, UpdatedAt: now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Priority == "" {
		a.Priority = domain.PriorityNormal
	}
	if a.DueDate != nil {
		d := startOfDay(a.DueDate.In(e.location()))
		a.DueDate = &d
	}
	err := e.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		wf, err := r.GetWorkflow(ctx, opts.OrgID, opts.WorkflowID)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", opts.WorkflowID, err)
		}
		if a.Name == "" {
			a.Name = wf.Name
		}
		if a.ClientID != "" {
			if _, err := r.GetClient(ctx, a.OrgID, a.ClientID); err != nil {
				return fmt.Errorf("client %s: %w", a.ClientID, err)
			}
		}
		if err := r.InsertAssignment(ctx, a); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		tree, err := r.Tree(ctx, opts.OrgID, opts.WorkflowID, "")
		if err != nil {
			return fmt.Errorf("template tree: %w", err)
		}
		clone := func(n domain.Node) domain.Node {
			n.SourceID = n.ID
			n.ID = cloneID(a.ID, n.SourceID)
			n.AssignmentID = a.ID
			n.Status = domain.StatusNotStarted
			n.CreatedAt, n.UpdatedAt = now, now
			n.StartedAt, n.CompletedAt = nil, nil
			return n
		}
		for _, stage := range tree {
			cs := domain.Stage{Node: clone(stage.Node), WorkflowID: a.WorkflowID}
			if err := r.InsertStage(ctx, cs); err != nil {
				return fmt.Errorf("clone stage: %w", err)
			}
			for _, step := range stage.Steps {
				cp := domain.Step{Node: clone(step.Node), StageID: cs.ID}
				if err := r.InsertStep(ctx, cp); err != nil {
					return fmt.Errorf("clone step: %w", err)
				}
				for _, task := range step.Tasks {
					ct := task
					ct.Node = clone(task.Node)
					ct.StepID = cp.ID
					ct.EligibleAt = nil
					if err := r.InsertTask(ctx, ct); err != nil {
						return fmt.Errorf("clone task: %w", err)
					}
				}
			}
		}
		deps, err := r.ListDependencies(ctx, opts.OrgID, "", opts.WorkflowID)
		if err != nil {
			return fmt.Errorf("template dependencies: %w", err)
		}
		for _, d := range deps {
			cd := domain.TaskDependency{
				ID: cloneID(a.ID, d.ID), OrgID: a.OrgID, AssignmentID: a.ID, WorkflowID: a.WorkflowID,
				TaskID: cloneID(a.ID, d.TaskID), DependsOnTaskID: cloneID(a.ID, d.DependsOnTaskID),
				Type: d.Type, LagDays: d.LagDays, IsBlocking: d.IsBlocking, CreatedAt: now,
			}
			if err := r.InsertDependency(ctx, cd); err != nil {
				return fmt.Errorf("clone dependency: %w", err)
			}
			if cd.IsBlocking && cd.Type.GatesStart() {
				if _, err := r.TransitionStatus(ctx, domain.EntityTask, a.OrgID, cd.TaskID, []domain.Status{domain.StatusNotStarted}, domain.StatusBlocked, now); err != nil {
					return fmt.Errorf("block dependent: %w", err)
				}
			}
		}
		return e.Activity.Append(ctx, tx, a.OrgID, "assignment.instantiated", "assignment", a.ID, "", eventlog.Payload{"workflow_id": a.WorkflowID})
	})
	if err != nil {
		return domain.Assignment{}, nil, err
	}
	return a, []domain.FireRequest{{
		Type:       string(automation.TemplateInstantiated),
		EntityType: domain.EntityAssignment,
		EntityID:   a.ID,
		OrgID:      a.OrgID,
		NewValue:   a.WorkflowID,
		Metadata:   map[string]any{"workflowId": a.WorkflowID, "clientId": a.ClientID},
	}}, nil
}

// AssignmentTree returns an assignment with its cloned tree and progress.
func (e *Engine) AssignmentTree(ctx context.Context, orgID, id string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, orgID, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	a.Stages, err = e.Repo.Tree(ctx, orgID, a.WorkflowID, a.ID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment tree: %w", err)
	}
	a.Progress = domain.AssignmentProgress(a.Stages)
	return a, nil
}

// Progress is the completed fraction of an assignment.
func (e *Engine) Progress(ctx context.Context, orgID, assignmentID string) (float64, error) {
	a, err := e.AssignmentTree(ctx, orgID, assignmentID)
	if err != nil {
		return 0, err
	}
	return a.Progress, nil
}
