package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"practiceflow/internal/config"
	"practiceflow/internal/domain"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder polls the trigger event log by cursor and posts new rows to the
// configured targets. A target that fails keeps its cursor and is retried
// on the next tick.
type Forwarder struct {
	Log      Log
	Targets  []config.ForwardTarget
	Client   *http.Client
	Interval time.Duration
	Batch    int
	// FromStart delivers the existing backlog instead of starting at the
	// newest row.
	FromStart bool
	Logger    *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewForwarder(log Log, targets []config.ForwardTarget, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		Log:      log,
		Targets:  targets,
		Client:   &http.Client{Timeout: defaultForwardTimeout},
		Interval: defaultForwardInterval,
		Batch:    defaultForwardBatch,
		Logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Run forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	interval := f.Interval
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every active target.
func (f *Forwarder) DispatchAll(ctx context.Context) {
	for i, target := range f.Targets {
		if !target.Active() {
			continue
		}
		f.dispatch(ctx, i, target)
	}
}

func (f *Forwarder) dispatch(ctx context.Context, idx int, target config.ForwardTarget) {
	cursor := f.cursorFor(ctx, idx)
	batch := f.Batch
	if batch <= 0 {
		batch = defaultForwardBatch
	}
	events, err := f.Log.List(ctx, Filter{AfterSeq: cursor, Limit: batch})
	if err != nil {
		f.Logger.Error("forward: fetch events failed", "err", err)
		return
	}
	filter := newTypeFilter(target.Types)
	for _, evt := range events {
		if !filter.match(evt.TriggerType) {
			f.setCursor(idx, evt.Seq)
			continue
		}
		if err := f.post(ctx, target, evt); err != nil {
			f.Logger.Warn("forward: delivery failed", "url", target.URL, "event", evt.ID, "err", err)
			return
		}
		f.setCursor(idx, evt.Seq)
	}
}

func (f *Forwarder) cursorFor(ctx context.Context, idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors == nil {
		f.cursors = make(map[int]int64)
	}
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	var cur int64
	if !f.FromStart {
		latest, err := f.Log.LatestSeq(ctx)
		if err != nil {
			f.Logger.Error("forward: init cursor failed", "err", err)
		}
		cur = latest
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, seq int64) {
	f.mu.Lock()
	f.cursors[idx] = seq
	f.mu.Unlock()
}

func (f *Forwarder) post(ctx context.Context, target config.ForwardTarget, evt domain.TriggerEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultForwardTimeout}
	}
	if target.Timeout > 0 && target.Timeout != client.Timeout {
		client = &http.Client{Timeout: target.Timeout, Transport: client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Practiceflow-Event", evt.TriggerType)
	req.Header.Set("X-Practiceflow-Delivery", evt.ID)
	req.Header.Set("X-Practiceflow-Org", evt.OrgID)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Practiceflow-Secret", target.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type typeFilter struct {
	all bool
	set map[string]struct{}
}

func newTypeFilter(types []string) typeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return typeFilter{all: true}
	}
	return typeFilter{set: set}
}

func (f typeFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
