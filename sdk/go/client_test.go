package practiceflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFirePostsToOrgPath(t *testing.T) {
	var got FireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/orgs/org-1/fire" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"events": []map[string]any{{"seq": 7, "trigger_type": "manual", "execution_status": "success"}}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "org-1")
	events, err := c.Fire(context.Background(), FireRequest{Type: "manual", EntityType: "assignment", EntityID: "asg-1"})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if got.Type != "manual" || got.EntityID != "asg-1" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if len(events) != 1 || events[0].Seq != 7 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"dependency_cycle","message":"cycle"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "org-1").AddDependency(context.Background(), "t-a", "t-b", "finish_to_start", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "dependency_cycle" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestTriggerEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("trigger_id") != "trg-1" || q.Get("limit") != "2" || q.Get("cursor") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"seq":6},{"seq":8}],"next_cursor":"8"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "org-1").TriggerEventsPage(context.Background(), "trg-1", 2, "5")
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "8" {
		t.Fatalf("unexpected page %+v", page)
	}
}
