package action

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practiceflow/internal/automation"
	"practiceflow/internal/collab"
	"practiceflow/internal/conditions"
	"practiceflow/internal/config"
	"practiceflow/internal/domain"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to+"|"+subject+"|"+body)
	return "msg-1", nil
}

// stuckSender ignores cancellation until released.
type stuckSender struct{ release chan struct{} }

func (s stuckSender) Send(context.Context, string, string, string) (string, error) {
	<-s.release
	return "late", nil
}

type memNotifications struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (m *memNotifications) Create(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

func (m *memNotifications) all() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Notification(nil), m.items...)
}

type memEmails struct{ sent []domain.SentEmail }

func (m *memEmails) InsertSentEmail(_ context.Context, e domain.SentEmail) error {
	m.sent = append(m.sent, e)
	return nil
}

type stuckAgent struct{}

func (stuckAgent) Invoke(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func baseContext() Context {
	return Context{
		OrgID:        "org-1",
		TriggerID:    "trg-1",
		AssignmentID: "asg-1",
		Request:      domain.FireRequest{Type: "status_change", EntityType: domain.EntityTask, EntityID: "task-1", OrgID: "org-1"},
		Snapshot: conditions.Snapshot{
			"client":     map[string]any{"id": "c1", "name": "Acme", "email": "books@acme.test"},
			"task":       map[string]any{"id": "task-1", "name": "Collect W-2", "assigned_to": "u-prep"},
			"assignment": map[string]any{"id": "asg-1", "assigned_to": "u-lead"},
		},
	}
}

func emailAction() automation.Action {
	return automation.Action{Spec: automation.SendEmailAction{
		ToField: "client.email",
		Subject: "Documents for {{.client.name}}",
		Body:    "Task {{.task.name}} is done",
	}}
}

func TestSendEmailRecordsDelivery(t *testing.T) {
	sender := &fakeSender{}
	emails := &memEmails{}
	x := &Executor{Email: sender, Emails: emails, Notifications: &memNotifications{}}

	res := x.Execute(context.Background(), emailAction(), baseContext())
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, []string{"books@acme.test|Documents for Acme|Task Collect W-2 is done"}, sender.sent)
	require.Len(t, emails.sent, 1)
	assert.Equal(t, "msg-1", emails.sent[0].MessageID)
	assert.Equal(t, "trg-1", emails.sent[0].TriggerID)
}

func TestSendEmailFallsBackToNotification(t *testing.T) {
	notes := &memNotifications{}
	x := &Executor{Email: collab.Unconfigured{}, Notifications: notes}

	res := x.Execute(context.Background(), emailAction(), baseContext())
	assert.False(t, res.Success)
	assert.Equal(t, "fell back to in-app notification", res.Detail)
	var ae *ActionExecutionError
	require.True(t, errors.As(res.Err, &ae))
	assert.ErrorIs(t, res.Err, collab.ErrNotConfigured)

	items := notes.all()
	require.Len(t, items, 1)
	assert.Equal(t, "u-prep", items[0].UserID)
	assert.Contains(t, items[0].Metadata["emailError"], "not configured")
}

func TestSendEmailFallbackWithoutAssignee(t *testing.T) {
	unassigned := baseContext()
	unassigned.Snapshot = conditions.Snapshot{
		"client": map[string]any{"id": "c1", "name": "Acme", "email": "books@acme.test"},
		"task":   map[string]any{"id": "task-1", "name": "Collect W-2"},
	}

	notes := &memNotifications{}
	x := &Executor{Email: collab.Unconfigured{}, Notifications: notes, FallbackUserID: "u-ops"}
	res := x.Execute(context.Background(), emailAction(), unassigned)
	assert.False(t, res.Success)
	items := notes.all()
	require.Len(t, items, 1)
	assert.Equal(t, "u-ops", items[0].UserID)
	assert.Contains(t, items[0].Metadata["emailError"], "not configured")

	notes = &memNotifications{}
	x = &Executor{Email: collab.Unconfigured{}, Notifications: notes}
	x.Execute(context.Background(), emailAction(), unassigned)
	items = notes.all()
	require.Len(t, items, 1)
	assert.Equal(t, DefaultFallbackUser, items[0].UserID)
}

func TestSendEmailTimeoutStillFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	notes := &memNotifications{}
	x := &Executor{Email: stuckSender{release: release}, Notifications: notes, Timeout: 50 * time.Millisecond}

	start := time.Now()
	a := emailAction()
	a.Spec = automation.SendEmailAction{To: "x@y.test", Subject: "s", Body: "b", FallbackUserID: "u-ops"}
	res := x.Execute(context.Background(), a, baseContext())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	items := notes.all()
	require.Len(t, items, 1)
	assert.Equal(t, "u-ops", items[0].UserID)
}

func TestSendEmailRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message_id":"m-9"}`))
	}))
	defer srv.Close()

	x := &Executor{
		Email:         collab.NewHTTPEmailSender(config.EmailConfig{RelayURL: srv.URL}),
		Notifications: &memNotifications{},
		Retry:         config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}
	res := x.Execute(context.Background(), emailAction(), baseContext())
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentTimeoutFails(t *testing.T) {
	x := &Executor{Agents: stuckAgent{}, Timeout: 30 * time.Millisecond}
	res := x.Execute(context.Background(), automation.Action{Spec: automation.RunAIAgentAction{AgentSlug: "review"}}, baseContext())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestActionConditionsSkip(t *testing.T) {
	x := &Executor{Notifications: &memNotifications{}}
	a := automation.Action{
		Spec:       automation.SendNotificationAction{UserID: "u1", Title: "t"},
		Conditions: []conditions.Condition{{Field: "client.name", Operator: conditions.Equals, Value: "Other"}},
	}
	res := x.Execute(context.Background(), a, baseContext())
	assert.True(t, res.Skipped)
	assert.Equal(t, domain.ExecutionSuccess, domain.StatusFromOutcomes([]domain.ActionOutcome{res.Outcome(a.Type())}))
}

func TestWebhookRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/flaky":
			if n == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()
	x := &Executor{Retry: config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond}}

	res := x.Execute(context.Background(), automation.Action{Spec: automation.CallWebhookAction{URL: srv.URL + "/flaky"}}, baseContext())
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	res = x.Execute(context.Background(), automation.Action{Spec: automation.CallWebhookAction{URL: srv.URL + "/bad"}}, baseContext())
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

type recordingMutator struct {
	Mutator
	calls []string
}

func (m *recordingMutator) SetPriority(_ context.Context, orgID string, kind domain.EntityType, id, priority string) ([]domain.FireRequest, error) {
	m.calls = append(m.calls, string(kind)+":"+id+":"+priority)
	return []domain.FireRequest{{Type: "field_change", EntityType: kind, EntityID: id, OrgID: orgID, FieldName: "priority", NewValue: priority}}, nil
}

func (m *recordingMutator) UpdateField(context.Context, string, domain.EntityType, string, string, any) ([]domain.FireRequest, error) {
	panic("boom")
}

func TestMutatingActionsReturnFollowups(t *testing.T) {
	m := &recordingMutator{}
	notes := &memNotifications{}
	x := &Executor{Mutator: m, Notifications: notes}

	res := x.Execute(context.Background(), automation.Action{Spec: automation.SetPriorityAction{Target: automation.TargetAssignment, Priority: "high"}}, baseContext())
	require.True(t, res.Success)
	require.Len(t, res.Followups, 1)
	assert.Equal(t, "asg-1", res.Followups[0].EntityID)

	res = x.Execute(context.Background(), automation.Action{Spec: automation.EscalateAction{UserID: "u-partner"}}, baseContext())
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, []string{"assignment:asg-1:high", "task:task-1:urgent"}, m.calls)
	assert.Len(t, notes.all(), 1)

	res = x.Execute(context.Background(), automation.Action{Spec: automation.UpdateFieldAction{Field: "x", Value: 1}}, baseContext())
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "panic")
}
