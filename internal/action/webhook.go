package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"practiceflow/internal/automation"
	"practiceflow/internal/collab"
)

// callWebhook sends the configured payload, or the fire event when none is
// configured. 5xx and transport errors are retried; 4xx are not.
func (x *Executor) callWebhook(ctx context.Context, s automation.CallWebhookAction, actx Context) Result {
	method := strings.ToUpper(s.Method)
	if method == "" {
		method = http.MethodPost
	}
	payload := any(s.Payload)
	if len(s.Payload) == 0 {
		payload = map[string]any{
			"organizationId": actx.OrgID,
			"triggerId":      actx.TriggerID,
			"event":          actx.Request,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return failed(s.Type(), err)
	}
	client := x.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	var status int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, s.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.Headers {
			req.Header.Set(k, v)
		}
		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer res.Body.Close()
		status = res.StatusCode
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		serr := &collab.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
		if serr.Permanent() {
			return backoff.Permanent(serr)
		}
		return serr
	}
	if err := backoff.Retry(op, x.backoff(ctx)); err != nil {
		return failed(s.Type(), err)
	}
	return Result{Success: true, Detail: fmt.Sprintf("%s %s -> %d", method, s.URL, status)}
}
