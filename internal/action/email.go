package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"practiceflow/internal/automation"
	"practiceflow/internal/collab"
	"practiceflow/internal/conditions"
	"practiceflow/internal/domain"
)

const (
	fallbackTimeout = 2 * time.Second
	// DefaultFallbackUser is the last-resort notification recipient.
	DefaultFallbackUser = "org-admin"
)

// sendEmail delivers through the configured sender. Any failure, including a
// timeout or an open breaker, leaves an in-app notification carrying the
// email error instead, and the action reports failed.
func (x *Executor) sendEmail(ctx context.Context, s automation.SendEmailAction, actx Context) Result {
	to, err := recipient(s, actx.Snapshot)
	if err != nil {
		return x.emailFallback(ctx, s, actx, "", "", err)
	}
	subject, err := render("subject", s.Subject, actx.Snapshot)
	if err != nil {
		return x.emailFallback(ctx, s, actx, to, s.Subject, err)
	}
	body, err := render("body", s.Body, actx.Snapshot)
	if err != nil {
		return x.emailFallback(ctx, s, actx, to, subject, err)
	}
	sender := x.Email
	if sender == nil {
		sender = collab.Unconfigured{}
	}
	var messageID string
	op := func() error {
		id, err := call(ctx, func(ctx context.Context) (string, error) {
			return sender.Send(ctx, to, subject, body)
		})
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		messageID = id
		return nil
	}
	if err := backoff.Retry(op, x.backoff(ctx)); err != nil {
		return x.emailFallback(ctx, s, actx, to, subject, err)
	}
	if x.Emails != nil {
		rec := domain.SentEmail{
			ID: uuid.NewString(), OrgID: actx.OrgID, MessageID: messageID, To: to,
			Subject: subject, Body: body, TriggerID: actx.TriggerID, SentAt: x.now(),
		}
		if err := x.Emails.InsertSentEmail(context.WithoutCancel(ctx), rec); err != nil {
			x.logger().Warn("record sent email failed", "org", actx.OrgID, "message_id", messageID, "err", err)
		}
	}
	return Result{Success: true, Detail: "sent " + messageID}
}

func (x *Executor) emailFallback(ctx context.Context, s automation.SendEmailAction, actx Context, to, subject string, cause error) Result {
	x.logger().Warn("email failed, falling back to notification", "org", actx.OrgID, "trigger_id", actx.TriggerID, "err", cause)
	err := &ActionExecutionError{Type: automation.SendEmail, Err: cause}
	userID := s.FallbackUserID
	if userID == "" {
		userID = firstString(actx.Snapshot, "task.assigned_to", "assignment.assigned_to")
	}
	if userID == "" {
		userID = strings.TrimSpace(x.FallbackUserID)
	}
	if userID == "" {
		userID = DefaultFallbackUser
	}
	if x.Notifications == nil {
		return Result{Err: err, Detail: "email failed and no notification store"}
	}
	if subject == "" {
		subject = s.Subject
	}
	n := domain.Notification{
		OrgID:   actx.OrgID,
		UserID:  userID,
		Title:   "Email not delivered: " + subject,
		Message: fmt.Sprintf("An automated email to %s could not be sent.", orUnknown(to)),
		Type:    "email_fallback",
		Metadata: map[string]any{
			"emailError": cause.Error(),
			"to":         to,
			"subject":    subject,
			"triggerId":  actx.TriggerID,
		},
		CreatedAt: x.now(),
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()
	if nerr := x.Notifications.Create(fctx, n); nerr != nil {
		return Result{Err: errors.Join(err, fmt.Errorf("fallback notification: %w", nerr)), Detail: "email and fallback failed"}
	}
	return Result{Err: err, Detail: "fell back to in-app notification"}
}

func recipient(s automation.SendEmailAction, snap conditions.Snapshot) (string, error) {
	if s.ToField != "" {
		v, ok := conditions.Lookup(snap, s.ToField)
		if !ok {
			return "", fmt.Errorf("recipient field %s not found", s.ToField)
		}
		to, _ := v.(string)
		if strings.TrimSpace(to) == "" {
			return "", fmt.Errorf("recipient field %s is empty", s.ToField)
		}
		return to, nil
	}
	to, err := render("to", s.To, snap)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(to) == "" {
		return "", errors.New("recipient is empty")
	}
	return to, nil
}

func permanent(err error) bool {
	if errors.Is(err, collab.ErrNotConfigured) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var status *collab.StatusError
	return errors.As(err, &status) && status.Permanent()
}

func (x *Executor) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if x.Retry.InitialInterval > 0 {
		b.InitialInterval = x.Retry.InitialInterval
	}
	if x.Retry.MaxInterval > 0 {
		b.MaxInterval = x.Retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	attempts := x.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func firstString(snap conditions.Snapshot, paths ...string) string {
	for _, p := range paths {
		if v, ok := conditions.Lookup(snap, p); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "an unknown recipient"
	}
	return s
}
