package status

import (
	"testing"
	"time"

	"github.com/matheus3301/wpprelay/internal/bus"
)

func TestInitialState(t *testing.T) {
	tr := NewTracker(nil)
	if got := tr.Current("acme"); got != Unknown {
		t.Errorf("initial state = %s, want unknown", got)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"open", Open},
		{"OPEN", Open},
		{"connecting", Connecting},
		{"close", Close},
		{"refused", Close},
		{"", Unknown},
		{"weird", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseState(tt.in); got != tt.want {
				t.Errorf("ParseState(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetReportsOnlyChanges(t *testing.T) {
	tr := NewTracker(nil)

	change, ok := tr.Set("acme", Connecting, 0)
	if !ok || change.From != Unknown || change.To != Connecting {
		t.Errorf("first Set = %+v, %v", change, ok)
	}
	if _, ok := tr.Set("acme", Connecting, 0); ok {
		t.Error("repeated state reported as change")
	}
	if _, ok := tr.Set("acme", Open, 200); !ok {
		t.Error("connecting -> open not reported")
	}
	if got := tr.Current("acme"); got != Open {
		t.Errorf("state = %s, want open", got)
	}
	if got := tr.Current("other"); got != Unknown {
		t.Errorf("other instance = %s, want unknown", got)
	}
}

func TestSetEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("acme/", 10)
	defer unsub()

	tr := NewTracker(b)
	tr.Set("acme", Close, 401)

	select {
	case evt := <-ch:
		if evt.Kind != EventKind {
			t.Errorf("kind = %q, want %s", evt.Kind, EventKind)
		}
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T, want Change", evt.Payload)
		}
		if change.To != Close || change.StatusCode != 401 {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("a", Open, 0)
	tr.Set("b", Close, 0)

	snap := tr.Snapshot()
	if len(snap) != 2 || snap["a"] != Open || snap["b"] != Close {
		t.Errorf("snapshot = %v", snap)
	}
}
