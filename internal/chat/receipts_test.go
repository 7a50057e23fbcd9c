package chat

import (
	"testing"
	"time"

	"github.com/chatsync/internal/eventloop/looptest"
	"github.com/chatsync/internal/model"
)

func TestSeenLabel(t *testing.T) {
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{0, "seen just now"},
		{59 * time.Second, "seen just now"},
		{time.Minute, "1 minute ago"},
		{119 * time.Second, "1 minute ago"},
		{2 * time.Minute, "2 minutes ago"},
		{59 * time.Minute, "59 minutes ago"},
		{time.Hour, "1 hour ago"},
		{5*time.Hour + 30*time.Minute, "5 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{72 * time.Hour, "3 days ago"},
		{-time.Hour, "seen just now"},
	}
	for _, c := range cases {
		if got := SeenLabel(t0.Add(-c.ago), t0); got != c.want {
			t.Errorf("SeenLabel(-%v) = %q, want %q", c.ago, got, c.want)
		}
	}
}

func TestCompactAge(t *testing.T) {
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "now"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{49 * time.Hour, "2d"},
	}
	for _, c := range cases {
		if got := CompactAge(t0.Add(-c.ago), t0); got != c.want {
			t.Errorf("CompactAge(-%v) = %q, want %q", c.ago, got, c.want)
		}
	}
	if CompactAge(time.Time{}, t0) != "" {
		t.Error("zero time rendered")
	}
}

func TestReceiptsRecomputeOnTickOnly(t *testing.T) {
	clock := looptest.New(t0)
	th := NewThread()
	th.Load("a", []model.Message{{ID: "1", IsOwn: true}})
	var labels []string
	r := NewReceipts(clock, time.Second, th.Last, func(l string) { labels = append(labels, l) })
	r.Start()
	r.Start()

	th.MarkLastOwnRead(t0)
	if _, l := r.Label(); l != "" || len(labels) != 0 {
		t.Fatal("label computed outside the tick")
	}
	clock.Advance(time.Second)
	if id, l := r.Label(); id != "1" || l != "seen just now" {
		t.Fatalf("label = %s %q", id, l)
	}
	clock.Advance(2 * time.Minute)
	if _, l := r.Label(); l != "2 minutes ago" {
		t.Errorf("label = %q", l)
	}
	// unchanged labels are not re-announced
	if len(labels) != 3 {
		t.Errorf("notifications = %v", labels)
	}

	th.AppendRemote(model.Message{ID: "2"})
	clock.Advance(time.Second)
	if id, l := r.Label(); id != "" || l != "" {
		t.Errorf("peer message carries a marker: %s %q", id, l)
	}

	r.Stop()
	if r.Running() || clock.Active() != 0 {
		t.Error("ticker still running")
	}
}
