// Package collab holds the outbound collaborators the action executor talks
// to: the email sender, the in-app notification store and the AI agent
// invoker.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"practiceflow/internal/domain"
	"practiceflow/internal/repo"
)

// ErrNotConfigured is returned by collaborators with no backend configured.
var ErrNotConfigured = errors.New("collaborator not configured")

type EmailSender interface {
	// Send delivers one message and returns the provider's message id.
	Send(ctx context.Context, to, subject, body string) (string, error)
}

type NotificationStore interface {
	Create(ctx context.Context, n domain.Notification) error
}

type AgentInvoker interface {
	Invoke(ctx context.Context, slug string, input map[string]any) (map[string]any, error)
}

// Unconfigured rejects every call. Emails sent through it always take the
// notification fallback.
type Unconfigured struct{}

func (Unconfigured) Send(context.Context, string, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Invoke(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, ErrNotConfigured
}

// Notifications stores in-app notifications in the notifications table.
type Notifications struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Notifications) Create(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		if s.Now != nil {
			n.CreatedAt = s.Now().UTC()
		} else {
			n.CreatedAt = time.Now().UTC()
		}
	}
	if n.Type == "" {
		n.Type = "automation"
	}
	if n.OrgID == "" || n.UserID == "" {
		return errors.New("notification requires organization and user")
	}
	return s.Repo.InsertNotification(ctx, n)
}
