package chat

import (
	"math"
	"time"

	"github.com/chatsync/internal/eventloop"
	"github.com/chatsync/internal/model"
	"github.com/dustin/go-humanize"
)

var seenMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "seen just now", DivBy: 1},
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: humanize.Day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "1 day %s", DivBy: 1},
	{D: math.MaxInt64, Format: "%d days %s", DivBy: humanize.Day},
}

var compactMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "now", DivBy: 1},
	{D: time.Hour, Format: "%dm", DivBy: time.Minute},
	{D: humanize.Day, Format: "%dh", DivBy: time.Hour},
	{D: math.MaxInt64, Format: "%dd", DivBy: humanize.Day},
}

// SeenLabel renders how long ago at was: "seen just now", "3 minutes ago", "1 day ago".
// Clock skew that puts at in the future reads as just now.
func SeenLabel(at, now time.Time) string {
	if at.After(now) {
		at = now
	}
	return humanize.CustomRelTime(at, now, "ago", "from now", seenMagnitudes)
}

// CompactAge is the conversation list form: "now", "5m", "2h", "3d".
func CompactAge(at, now time.Time) string {
	if at.IsZero() {
		return ""
	}
	if at.After(now) {
		at = now
	}
	return humanize.CustomRelTime(at, now, "", "", compactMagnitudes)
}

// Receipts keeps the "seen N ago" marker of the last message. The label is only
// recomputed by the periodic tick, never on state changes.
type Receipts struct {
	sched  eventloop.Scheduler
	every  time.Duration
	ticker eventloop.Timer
	source func() (model.Message, bool)
	notify func(label string)

	msgID model.ID
	label string
}

// NewReceipts creates the marker. source yields the current last message.
func NewReceipts(sched eventloop.Scheduler, every time.Duration, source func() (model.Message, bool), notify func(string)) *Receipts {
	if every <= 0 {
		every = time.Second
	}
	if notify == nil {
		notify = func(string) {}
	}
	return &Receipts{sched: sched, every: every, source: source, notify: notify}
}

// Start begins ticking. Starting twice keeps the running ticker.
func (r *Receipts) Start() {
	if r.ticker != nil {
		return
	}
	r.ticker = r.sched.Every(r.every, r.Tick)
}

// Stop halts the tick and forgets the marker.
func (r *Receipts) Stop() {
	stop(&r.ticker)
	r.msgID, r.label = "", ""
}

func (r *Receipts) Running() bool { return r.ticker != nil }

// Label returns the message the marker belongs to and its text.
func (r *Receipts) Label() (model.ID, string) { return r.msgID, r.label }

// Tick recomputes the label for the last message when it is an own message the
// peer has read; anything else clears it.
func (r *Receipts) Tick() {
	var id model.ID
	var label string
	if last, ok := r.source(); ok && last.IsOwn && last.IsRead {
		at := last.SeenAt.Time
		if at.IsZero() {
			at = last.Timestamp.Time
		}
		id, label = last.ID, SeenLabel(at, r.sched.Now())
	}
	if id == r.msgID && label == r.label {
		return
	}
	r.msgID, r.label = id, label
	r.notify(label)
}
