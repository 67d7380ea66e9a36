package task

import (
	"strings"
	"testing"
)

func TestCanTransition_Table(t *testing.T) {
	legal := map[[2]State]bool{
		{StateOpen, StateTodo}:   true,
		{StateDoing, StateTodo}:  true,
		{StateTodo, StateDoing}:  true,
		{StateDone, StateDoing}:  true,
		{StateDoing, StateDone}:  true,
		{StateDone, StateClosed}: true,
	}
	for _, from := range States {
		for _, to := range States {
			want := legal[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			if got := Label(from, to) != ""; got != want {
				t.Errorf("Label(%s, %s) present = %v, want %v", from, to, got, want)
			}
		}
	}
	if len(transitions) != len(legal) {
		t.Errorf("transition table has %d edges, want %d", len(transitions), len(legal))
	}
}

func TestCanTransition_UnknownStates(t *testing.T) {
	if CanTransition("archived", StateOpen) || CanTransition(StateOpen, "archived") {
		t.Error("unknown states must never transition")
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from State
		want []State
	}{
		{StateOpen, []State{StateTodo}},
		{StateTodo, []State{StateDoing}},
		{StateDoing, []State{StateTodo, StateDone}},
		{StateDone, []State{StateDoing, StateClosed}},
		{StateClosed, nil},
	}
	for _, tt := range tests {
		got := Next(tt.from)
		if strings.Join(stateNames(got), ",") != strings.Join(stateNames(tt.want), ",") {
			t.Errorf("Next(%s) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	got, err := ParseState("  Doing ")
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}
	if got != StateDoing {
		t.Errorf("ParseState = %q, want doing", got)
	}
	if _, err := ParseState("archived"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name     string
		from, to State
		flags    Flags
		want     string
	}{
		{"backlog", StateOpen, StateTodo, Flags{}, "alice put the task into the backlog [Open -> Todo]"},
		{"give up", StateDoing, StateTodo, Flags{}, "alice gave up the task [Doing -> Todo]"},
		{"release", StateDoing, StateTodo, Flags{Release: true}, "alice released the task [Doing -> Todo]"},
		{"take on", StateTodo, StateDoing, Flags{}, "alice took on the task [Todo -> Doing]"},
		{"send back", StateDone, StateDoing, Flags{}, "alice sent the task back [Done -> Doing]"},
		{"reject", StateDone, StateDoing, Flags{Reject: true}, "alice rejected the task [Done -> Doing]"},
		{"submit", StateDoing, StateDone, Flags{}, "alice submitted the task for review [Doing -> Done]"},
		{"close", StateDone, StateClosed, Flags{}, "alice approved and closed the task [Done -> Closed]"},
		{"flag ignored", StateTodo, StateDoing, Flags{Reject: true, Release: true}, "alice took on the task [Todo -> Doing]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.from, tt.to, tt.flags, "alice"); got != tt.want {
				t.Errorf("Describe = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribe_RejectDiffersFromTakeOn(t *testing.T) {
	rejected := Describe(StateDone, StateDoing, Flags{Reject: true}, "bob")
	takenOn := Describe(StateTodo, StateDoing, Flags{}, "bob")
	if rejected == takenOn {
		t.Fatalf("reject and take-on wording must differ, both %q", rejected)
	}
	if !strings.Contains(rejected, "rejected") {
		t.Errorf("reject wording = %q, want it to mention rejected", rejected)
	}
}

func TestReplay(t *testing.T) {
	history := []*Note{
		{Actor: "alice", State: StateOpen, Event: EventCreate},
		{Actor: "bob", State: StateTodo, Event: EventTransition},
		{Actor: "carol", State: StateTodo, Event: EventComment},
		{Actor: "dave", State: StateTodo, Event: EventEdit},
	}
	state, owner := Replay(history)
	if state != StateTodo || owner != "bob" {
		t.Errorf("Replay = (%s, %s), want (todo, bob)", state, owner)
	}
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestTransitionTable_EveryEdgeWorded(t *testing.T) {
	for e, spec := range transitions {
		if spec.label == "" || spec.verb == "" {
			t.Errorf("%s -> %s lacks a label or verb", e.from, e.to)
		}
		if (spec.flagged == nil) != (spec.flagVerb == "") {
			t.Errorf("%s -> %s: flag and flag wording must come together", e.from, e.to)
		}
		if got := Describe(e.from, e.to, Flags{}, "x"); strings.Contains(got, "moved the task") {
			t.Errorf("%s -> %s fell back to generic wording: %q", e.from, e.to, got)
		}
	}
}

func TestMoves(t *testing.T) {
	got := Moves(StateDone)
	want := []Move{
		{To: StateDoing, Label: "rejected (sent back)"},
		{To: StateClosed, Label: "approved / closed"},
	}
	if len(got) != len(want) {
		t.Fatalf("Moves(done) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Moves(done)[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if m := Moves(StateClosed); len(m) != 0 {
		t.Errorf("Moves(closed) = %v, want none", m)
	}
}
