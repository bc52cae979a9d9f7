package recordlist

import (
	"strings"
	"testing"
	"time"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/source"
)

func TestRelativeTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{2 * 24 * time.Hour, "2d ago"},
		{15 * 24 * time.Hour, "2w ago"},
	}
	for _, tt := range tests {
		if got := relativeTime(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("relativeTime(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
	if got := relativeTime(time.Time{}, now); got != "" {
		t.Errorf("zero time = %q, want empty", got)
	}
}

func TestSetCollection(t *testing.T) {
	m := New("permits", 80, 20)
	if m.Loaded() {
		t.Fatal("new model reports loaded")
	}
	if !strings.Contains(m.View(), "Loading permits") {
		t.Errorf("placeholder missing: %q", m.View())
	}

	m.SetCollection(&source.Collection{
		Resource: model.ResourcePermits,
		Items: []model.Record{
			{ID: "1", Title: "BP-1001", Status: "approved"},
			{ID: "2", Title: "BP-1002", Status: "submitted"},
		},
		Total:     7,
		FetchedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	})

	if !m.Loaded() || m.Len() != 2 {
		t.Fatalf("loaded=%v len=%d", m.Loaded(), m.Len())
	}
	view := m.View()
	for _, want := range []string{"BP-1001", "2 of 7", "09:30:00"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEmptyCollection(t *testing.T) {
	m := New("notifications", 80, 20)
	m.SetCollection(&source.Collection{Resource: model.ResourceNotifications})
	if !strings.Contains(m.View(), "No notifications.") {
		t.Errorf("view = %q", m.View())
	}
}
