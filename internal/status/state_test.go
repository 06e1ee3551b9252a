package status

import (
	"testing"

	"github.com/matheus3301/drift/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Offline},
		{Booting, Connecting},
		{Booting, Error},
		{Offline, Connecting},
		{Connecting, Syncing},
		{Syncing, Ready},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Ready, Degraded},
		{Degraded, Ready},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("engine.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want engine.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Offline {
		t.Errorf("change = %v -> %v, want BOOTING -> OFFLINE", change.From, change.To)
	}
}

// TestOfflineToReadyRequiresConnectAndSync verifies OFFLINE cannot jump
// straight to READY: connectivity recovery must pass through CONNECTING and
// SYNCING so the offline-action drain runs before the engine reports ready.
func TestOfflineToReadyRequiresConnectAndSync(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Offline)

	if err := m.Transition(Ready); err == nil {
		t.Fatal("Transition(OFFLINE -> READY) should fail; must pass through CONNECTING and SYNCING")
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, want OFFLINE (unchanged)", m.Current())
	}

	for _, s := range []State{Connecting, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
	if m.Current() != Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
}

// TestFullOfflineLifecycle simulates a cold start with no connectivity that
// later recovers: BOOTING → OFFLINE → CONNECTING → SYNCING → READY →
// RECONNECTING → CONNECTING → SYNCING → READY.
func TestFullOfflineLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Offline, Connecting, Syncing, Ready, Reconnecting, Connecting, Syncing, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
}

// walkTo drives the machine to the target state through a known-valid path.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	if m.Current() == target {
		return
	}
	paths := map[State][]State{
		Offline:      {Offline},
		Connecting:   {Connecting},
		Syncing:      {Connecting, Syncing},
		Ready:        {Connecting, Syncing, Ready},
		Reconnecting: {Connecting, Syncing, Ready, Reconnecting},
		Degraded:     {Connecting, Syncing, Ready, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): transition to %s failed: %v", target, s, err)
		}
	}
}
