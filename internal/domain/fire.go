package domain

import "time"

// FireRequest is the single input of the dispatcher. State mutations and
// scheduler scans both produce these.
type FireRequest struct {
	Type         string         `json:"type"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	OrgID        string         `json:"organization_id"`
	FieldName    string         `json:"field_name,omitempty"`
	OldValue     string         `json:"old_value,omitempty"`
	NewValue     string         `json:"new_value,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty"`
}

// Meta returns a metadata value, nil when absent.
func (r FireRequest) Meta(key string) any {
	if r.Metadata == nil {
		return nil
	}
	return r.Metadata[key]
}

// DateKey formats t as the calendar date used by date-based dedupe.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts calendar days from a to b (negative when b is earlier).
func DaysBetween(a, b time.Time) int {
	a = StartOfDay(a)
	b = StartOfDay(b.In(a.Location()))
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
