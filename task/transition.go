package task

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type edge struct {
	from, to State
}

// edgeSpec describes one legal edge: its label and the audit wording. When
// the edge honours a flag and the flag is set, flagVerb replaces verb.
type edgeSpec struct {
	label    string
	verb     string
	flagVerb string
	flagged  func(Flags) bool
}

func (e edgeSpec) verbFor(f Flags) string {
	if e.flagged != nil && e.flagged(f) {
		return e.flagVerb
	}
	return e.verb
}

func released(f Flags) bool { return f.Release }
func rejected(f Flags) bool { return f.Reject }

// transitions is the complete set of legal edges. Any pair not present is
// rejected.
var transitions = map[edge]edgeSpec{
	{StateOpen, StateTodo}:   {label: "put into backlog", verb: "put the task into the backlog"},
	{StateDoing, StateTodo}:  {label: "released / given up", verb: "gave up the task", flagVerb: "released the task", flagged: released},
	{StateTodo, StateDoing}:  {label: "taken on", verb: "took on the task"},
	{StateDone, StateDoing}:  {label: "rejected (sent back)", verb: "sent the task back", flagVerb: "rejected the task", flagged: rejected},
	{StateDoing, StateDone}:  {label: "submitted for review", verb: "submitted the task for review"},
	{StateDone, StateClosed}: {label: "approved / closed", verb: "approved and closed the task"},
}

// CanTransition reports whether (from, to) is a legal edge.
func CanTransition(from, to State) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Label returns the semantic label of a legal edge, or "" if the edge is
// not in the table.
func Label(from, to State) string {
	return transitions[edge{from, to}].label
}

// Next returns the states reachable from s, in workflow order.
func Next(s State) []State {
	var out []State
	for _, to := range States {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// Flags refine the wording recorded for a transition. A flag that does not
// apply to the edge is ignored.
type Flags struct {
	Release bool `json:"release,omitempty"` // doing -> todo handed back on purpose
	Reject  bool `json:"reject,omitempty"`  // done -> doing failed review
}

// DisplayName returns the human-facing name of a state, e.g. "Doing".
func DisplayName(s State) string {
	// Casers carry state and are not safe for concurrent use.
	return cases.Title(language.English).String(string(s))
}

// Describe returns the audit message for actor moving a task from one state
// to another. It does not check that the edge is legal.
func Describe(from, to State, flags Flags, actor string) string {
	verb := "moved the task"
	if spec, ok := transitions[edge{from, to}]; ok {
		verb = spec.verbFor(flags)
	}
	return fmt.Sprintf("%s %s [%s -> %s]", actor, verb, DisplayName(from), DisplayName(to))
}

// Move is a transition available from a task's current state.
type Move struct {
	To    State  `json:"to"`
	Label string `json:"label"`
}

// Moves lists the transitions available from s, in workflow order.
func Moves(s State) []Move {
	var out []Move
	for _, to := range Next(s) {
		out = append(out, Move{To: to, Label: Label(s, to)})
	}
	return out
}

func describeCreate(actor string) string {
	return fmt.Sprintf("%s created the task [%s]", actor, DisplayName(StateOpen))
}

func describeEdit(actor string, fields []string) string {
	return fmt.Sprintf("%s edited %s", actor, strings.Join(fields, ", "))
}
