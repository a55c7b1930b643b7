package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"practiceflow/internal/config"
)

// HTTPEmailSender posts messages to an HTTP mail relay.
type HTTPEmailSender struct {
	URL    string
	From   string
	APIKey string
	Client *http.Client
}

func NewHTTPEmailSender(cfg config.EmailConfig) *HTTPEmailSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPEmailSender{URL: cfg.RelayURL, From: cfg.From, APIKey: cfg.APIKey, Client: &http.Client{Timeout: timeout}}
}

type relayMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type relayResponse struct {
	MessageID string `json:"message_id"`
}

// StatusError is a non-2xx response from an HTTP collaborator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

func (s *HTTPEmailSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	if strings.TrimSpace(s.URL) == "" {
		return "", ErrNotConfigured
	}
	data, err := json.Marshal(relayMessage{From: s.From, To: to, Subject: subject, Body: body})
	if err != nil {
		return "", err
	}
	var out relayResponse
	if err := postJSON(ctx, s.Client, s.URL, s.APIKey, data, &out); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	if out.MessageID == "" {
		return "", errors.New("send email: relay returned no message id")
	}
	return out.MessageID, nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, data []byte, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// BreakerEmailSender stops calling a failing relay until the breaker's open
// timeout passes. Calls made while open fail with gobreaker.ErrOpenState.
type BreakerEmailSender struct {
	next    EmailSender
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerEmailSender(next EmailSender, cfg config.BreakerConfig, logger *slog.Logger) *BreakerEmailSender {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	open := cfg.OpenTimeout
	if open <= 0 {
		open = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "email",
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A misconfigured sender is not a relay outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotConfigured)
		},
	}
	return &BreakerEmailSender{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerEmailSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, to, subject, body)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// State exposes the breaker state.
func (b *BreakerEmailSender) State() gobreaker.State {
	return b.breaker.State()
}

// NewEmailSender builds the configured sender chain.
func NewEmailSender(cfg config.EmailConfig, logger *slog.Logger) EmailSender {
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return Unconfigured{}
	}
	return NewBreakerEmailSender(NewHTTPEmailSender(cfg), cfg.Breaker, logger)
}
