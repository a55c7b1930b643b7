package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"practiceflow/internal/config"
)

// HTTPAgentInvoker runs an AI agent by posting its input to
// {BaseURL}/agents/{slug}/invoke.
type HTTPAgentInvoker struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewAgentInvoker(cfg config.AgentsConfig) AgentInvoker {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Unconfigured{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAgentInvoker{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), APIKey: cfg.APIKey, Client: &http.Client{Timeout: timeout}}
}

func (a *HTTPAgentInvoker) Invoke(ctx context.Context, slug string, input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	endpoint := a.BaseURL + "/agents/" + url.PathEscape(slug) + "/invoke"
	out := map[string]any{}
	if err := postJSON(ctx, a.Client, endpoint, a.APIKey, data, &out); err != nil {
		return nil, fmt.Errorf("invoke agent %s: %w", slug, err)
	}
	return out, nil
}
