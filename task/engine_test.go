package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/taskboard/internal/metrics"
)

type fakeAuthorizer struct {
	mu      sync.Mutex
	members map[string]map[string]bool // group -> user
	err     error
	calls   int
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{members: map[string]map[string]bool{}}
}

func (f *fakeAuthorizer) add(group string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[group] == nil {
		f.members[group] = map[string]bool{}
	}
	for _, u := range users {
		f.members[group][u] = true
	}
}

func (f *fakeAuthorizer) IsMember(_ context.Context, username, group string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return true, f.err // must be ignored by the engine
	}
	return f.members[group][username], nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (f *fakeNotifier) Notify(_ context.Context, n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

func (f *fakeNotifier) all() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notice(nil), f.notices...)
}

type engineFixture struct {
	engine   *Engine
	store    *SQLStore
	auth     *fakeAuthorizer
	notifier *fakeNotifier
}

// newEngineFixture seeds application "zoo" whose states are gated by
// dedicated groups: lead creates and opens, dev works, pl reviews.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newTestStore(t)
	seedApp(t, store, &Application{
		Acronym:      "zoo",
		PermitCreate: "lead",
		PermitOpen:   "lead",
		PermitTodo:   "dev",
		PermitDoing:  "dev",
		PermitDone:   "pl",
	})
	seedApp(t, store, &Application{Acronym: "free"}) // no permits configured

	auth := newFakeAuthorizer()
	auth.add("lead", "lee")
	auth.add("dev", "dana", "dave")
	auth.add("pl", "pat")
	auth.add("crew", "lee", "dana", "pat")

	notifier := &fakeNotifier{}
	engine := NewEngine(store, auth, nil)
	engine.SetNotifier(notifier)
	engine.SetMetrics(metrics.New())
	return &engineFixture{engine: engine, store: store, auth: auth, notifier: notifier}
}

func (f *engineFixture) create(t *testing.T) *Task {
	t.Helper()
	task, err := f.engine.CreateTask(context.Background(), CreateRequest{
		Name: "Clean the aquarium", Description: "weekly", Plan: "sprint-1", App: "zoo", Actor: "lee",
	})
	require.NoError(t, err)
	return task
}

// advance walks a task along legal edges using the permitted actors.
func (f *engineFixture) advance(t *testing.T, id string, path ...State) *Task {
	t.Helper()
	actors := map[State]string{StateOpen: "lee", StateTodo: "dana", StateDoing: "dana", StateDone: "pat"}
	var task *Task
	for _, to := range path {
		cur, err := f.store.GetTask(context.Background(), id)
		require.NoError(t, err)
		task, err = f.engine.RequestTransition(context.Background(), TransitionRequest{
			TaskID: id, To: to, Actor: actors[cur.State],
		})
		require.NoError(t, err, "advance %s -> %s", cur.State, to)
	}
	return task
}

func (f *engineFixture) assertStateMatchesHistory(t *testing.T, id string) {
	t.Helper()
	got, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	state, owner := Replay(history)
	assert.Equal(t, got.State, state, "stored state must equal last state-changing note")
	assert.Equal(t, got.Owner, owner, "stored owner must equal last state-changing actor")
}

func TestEngine_CreateTask_RoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	created := f.create(t)

	got, err := f.engine.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "zoo_1", got.ID)
	assert.Equal(t, StateOpen, got.State)
	assert.Equal(t, "lee", got.Creator)
	assert.Equal(t, "lee", got.Owner)
	assert.Equal(t, "sprint-1", got.Plan)

	notes, err := f.engine.Notes(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, EventCreate, notes[0].Event)
	assert.Equal(t, KindSystem, notes[0].Kind)
	assert.Equal(t, StateOpen, notes[0].State)
	f.assertStateMatchesHistory(t, created.ID)
}

func TestEngine_CreateTask_Validation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateTask(ctx, CreateRequest{Name: "  ", App: "zoo", Actor: "lee"})
	assert.ErrorIs(t, err, ErrValidation)

	for _, name := range []string{"x\r\nBcc: someone@example.com", "tab\tname", "bell\a"} {
		_, err = f.engine.CreateTask(ctx, CreateRequest{Name: name, App: "zoo", Actor: "lee"})
		assert.ErrorIs(t, err, ErrValidation, "name %q", name)
	}

	_, err = f.engine.CreateTask(ctx, CreateRequest{Name: "x", App: "ghost", Actor: "lee"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.CreateTask(ctx, CreateRequest{Name: "x", App: "zoo", Actor: "dana"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	app, err := f.store.GetApplication(ctx, "zoo")
	require.NoError(t, err)
	assert.Equal(t, 0, app.RNumber, "refused creations must not consume identities")
}

func TestEngine_CreateTask_ConcurrentUniqueIDs(t *testing.T) {
	f := newEngineFixture(t)
	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.engine.CreateTask(context.Background(), CreateRequest{Name: "t", App: "zoo", Actor: "lee"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[task.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, n)
	for id, count := range ids {
		assert.Equal(t, 1, count, "id %s issued more than once", id)
	}
}

func TestEngine_RequestTransition_FullLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)

	task = f.advance(t, task.ID, StateTodo, StateDoing, StateDone, StateDoing, StateDone, StateClosed)
	assert.Equal(t, StateClosed, task.State)
	assert.Equal(t, "pat", task.Owner, "owner becomes the acting user on close too")
	assert.Equal(t, "lee", task.Creator)

	notes, err := f.engine.Notes(context.Background(), task.ID)
	require.NoError(t, err)
	// create + six transitions
	require.Len(t, notes, 7)
	for i, n := range notes {
		assert.Equal(t, len(notes)-i, n.Seq)
	}
	f.assertStateMatchesHistory(t, task.ID)
}

func TestEngine_RequestTransition_IllegalPairs(t *testing.T) {
	permitted := map[State]string{StateOpen: "lee", StateTodo: "dana", StateDoing: "dana", StateDone: "pat"}
	// from each state, every target outside the table must be rejected
	for _, from := range States {
		for _, to := range States {
			if CanTransition(from, to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newEngineFixture(t)
				task := f.create(t)
				switch from {
				case StateTodo:
					f.advance(t, task.ID, StateTodo)
				case StateDoing:
					f.advance(t, task.ID, StateTodo, StateDoing)
				case StateDone:
					f.advance(t, task.ID, StateTodo, StateDoing, StateDone)
				case StateClosed:
					f.advance(t, task.ID, StateTodo, StateDoing, StateDone, StateClosed)
				}
				before, err := f.engine.Notes(context.Background(), task.ID)
				require.NoError(t, err)

				// closed has no permit group, so the caller names one
				req := TransitionRequest{TaskID: task.ID, To: to, Actor: "lee", Group: "crew"}
				if from != StateClosed {
					req = TransitionRequest{TaskID: task.ID, To: to, Actor: permitted[from]}
				}
				_, err = f.engine.RequestTransition(context.Background(), req)
				assert.ErrorIs(t, err, ErrTransitionRejected)

				after, err := f.engine.Notes(context.Background(), task.ID)
				require.NoError(t, err)
				assert.Len(t, after, len(before), "rejected transition must not add a note")
				got, _ := f.store.GetTask(context.Background(), task.ID)
				assert.Equal(t, from, got.State)
			})
		}
	}
}

func TestEngine_RequestTransition_ClosedIsTerminal(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	f.advance(t, task.ID, StateTodo, StateDoing, StateDone, StateClosed)

	for _, to := range States {
		_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
			TaskID: task.ID, To: to, Actor: "pat", Group: "crew",
		})
		assert.ErrorIs(t, err, ErrTransitionRejected, "closed -> %s", to)
	}
}

func TestEngine_RequestTransition_InvalidTarget(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		TaskID: task.ID, To: "archived", Actor: "lee",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_RequestTransition_NotFound(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		TaskID: "zoo_404", To: StateTodo, Actor: "lee",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RequestTransition_Unauthorized(t *testing.T) {
	tests := []struct {
		name  string
		actor string
		group string
	}{
		{"not in permit group", "dana", ""},
		{"claims another group", "lee", "crew"},
		{"claims permit group without membership", "dana", "lead"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			task := f.create(t)

			_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
				TaskID: task.ID, To: StateTodo, Actor: tt.actor, Group: tt.group,
			})
			assert.ErrorIs(t, err, ErrUnauthorized)

			got, _ := f.store.GetTask(context.Background(), task.ID)
			assert.Equal(t, StateOpen, got.State)
			assert.Equal(t, "lee", got.Owner)
			notes, _ := f.store.Notes(context.Background(), task.ID)
			assert.Len(t, notes, 1, "unauthorized request must not mutate the store")
		})
	}
}

func TestEngine_RequestTransition_CallerGroupWithoutPermits(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	task, err := f.engine.CreateTask(ctx, CreateRequest{Name: "x", App: "free", Actor: "dana", Group: "crew"})
	require.NoError(t, err)

	_, err = f.engine.RequestTransition(ctx, TransitionRequest{TaskID: task.ID, To: StateTodo, Actor: "dana"})
	assert.ErrorIs(t, err, ErrUnauthorized, "no permit and no caller group")

	_, err = f.engine.RequestTransition(ctx, TransitionRequest{TaskID: task.ID, To: StateTodo, Actor: "dave", Group: "crew"})
	assert.ErrorIs(t, err, ErrUnauthorized, "dave is not in crew")

	got, err := f.engine.RequestTransition(ctx, TransitionRequest{TaskID: task.ID, To: StateTodo, Actor: "dana", Group: "Crew"})
	require.NoError(t, err)
	assert.Equal(t, StateTodo, got.State)
}

func TestEngine_Authorizer_ErrorFailsClosed(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	f.auth.err = errors.New("directory down")

	_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		TaskID: task.ID, To: StateTodo, Actor: "lee",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEngine_SubmitForReview_Notifies(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	f.advance(t, task.ID, StateTodo, StateDoing)
	assert.Empty(t, f.notifier.all())

	got, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		TaskID: task.ID, To: StateDone, Actor: "dave", Group: "dev",
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, "dave", got.Owner)

	notices := f.notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, Notice{
		TaskID:      task.ID,
		TaskName:    "Clean the aquarium",
		App:         "zoo",
		Actor:       "dave",
		Group:       "dev",
		ReviewGroup: "pl",
	}, notices[0])

	// closing does not notify again
	f.advance(t, task.ID, StateClosed)
	assert.Len(t, f.notifier.all(), 1)
}

func TestEngine_RejectWording(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	f.advance(t, task.ID, StateTodo, StateDoing, StateDone)

	_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
		TaskID: task.ID, To: StateDoing, Actor: "pat", Flags: Flags{Reject: true},
	})
	require.NoError(t, err)

	history, err := f.engine.History(context.Background(), task.ID)
	require.NoError(t, err)
	takenOn := history[2].Message // todo -> doing
	rejected := history[len(history)-1].Message
	assert.Contains(t, takenOn, "took on")
	assert.Contains(t, rejected, "rejected")
	assert.NotEqual(t, takenOn, rejected)
}

func TestEngine_RequestTransition_ConcurrentSameEdge(t *testing.T) {
	f := newEngineFixture(t)
	task := f.create(t)
	f.advance(t, task.ID, StateTodo)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RequestTransition(context.Background(), TransitionRequest{
				TaskID: task.ID, To: StateDoing, Actor: "dana",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrTransitionRejected)
	}
	assert.Equal(t, 1, wins, "exactly one concurrent take-on may succeed")
	f.assertStateMatchesHistory(t, task.ID)
}

func TestEngine_Annotate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.create(t)

	note, err := f.engine.Annotate(ctx, AnnotateRequest{TaskID: task.ID, Message: "  needs a ladder ", Actor: "lee"})
	require.NoError(t, err)
	assert.Equal(t, "needs a ladder", note.Message)
	assert.Equal(t, KindUser, note.Kind)
	assert.Equal(t, EventComment, note.Event)
	assert.Equal(t, StateOpen, note.State)
	assert.Equal(t, 2, note.Seq)

	got, _ := f.store.GetTask(ctx, task.ID)
	assert.Equal(t, StateOpen, got.State)
	f.assertStateMatchesHistory(t, task.ID)
}

func TestEngine_Annotate_Errors(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.create(t)

	tests := []struct {
		name string
		req  AnnotateRequest
		want error
	}{
		{"empty message", AnnotateRequest{TaskID: task.ID, Message: " \n", Actor: "lee"}, ErrValidation},
		{"unknown kind", AnnotateRequest{TaskID: task.ID, Message: "m", Actor: "lee", Kind: "robot"}, ErrValidation},
		{"unknown state", AnnotateRequest{TaskID: task.ID, Message: "m", Actor: "lee", State: "archived"}, ErrValidation},
		{"stale state", AnnotateRequest{TaskID: task.ID, Message: "m", Actor: "lee", State: StateDoing}, ErrValidation},
		{"missing task", AnnotateRequest{TaskID: "zoo_9", Message: "m", Actor: "lee"}, ErrNotFound},
		{"not authorized", AnnotateRequest{TaskID: task.ID, Message: "m", Actor: "dana"}, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Annotate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	notes, _ := f.store.Notes(ctx, task.ID)
	assert.Len(t, notes, 1)
}

func TestEngine_EditFields_States(t *testing.T) {
	paths := map[State][]State{
		StateOpen:   nil,
		StateTodo:   {StateTodo},
		StateDoing:  {StateTodo, StateDoing},
		StateDone:   {StateTodo, StateDoing, StateDone},
		StateClosed: {StateTodo, StateDoing, StateDone, StateClosed},
	}
	allowed := map[State]bool{StateOpen: true, StateDone: true}
	editor := map[State]string{StateOpen: "lee", StateTodo: "dana", StateDoing: "dana", StateDone: "pat", StateClosed: "pat"}

	for _, state := range States {
		t.Run(string(state), func(t *testing.T) {
			f := newEngineFixture(t)
			task := f.create(t)
			f.advance(t, task.ID, paths[state]...)

			name := "Renamed"
			got, err := f.engine.EditFields(context.Background(), EditRequest{
				TaskID: task.ID, Actor: editor[state], Fields: Fields{Name: &name},
			})
			if !allowed[state] {
				assert.ErrorIs(t, err, ErrInvalidStateForEdit)
				assert.ErrorIs(t, err, ErrTransitionRejected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Name)
			assert.Equal(t, state, got.State)
			f.assertStateMatchesHistory(t, task.ID)
		})
	}
}

func TestEngine_EditFields(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	task := f.create(t)

	_, err := f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "lee"})
	assert.ErrorIs(t, err, ErrValidation, "no fields")

	blank := " "
	_, err = f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "lee", Fields: Fields{Name: &blank}})
	assert.ErrorIs(t, err, ErrValidation, "blank name")

	multiline := "Clean\nBcc: someone@example.com"
	_, err = f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "lee", Fields: Fields{Name: &multiline}})
	assert.ErrorIs(t, err, ErrValidation, "name with a line break")

	unicodeName := "Aquarium säubern"
	renamed, err := f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "lee", Fields: Fields{Name: &unicodeName}})
	require.NoError(t, err)
	assert.Equal(t, unicodeName, renamed.Name)
	restore := "Clean the aquarium"
	_, err = f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "lee", Fields: Fields{Name: &restore}})
	require.NoError(t, err)

	desc, plan := "monthly", "sprint-2"
	_, err = f.engine.EditFields(ctx, EditRequest{TaskID: task.ID, Actor: "dana", Fields: Fields{Description: &desc}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.engine.EditFields(ctx, EditRequest{
		TaskID: task.ID, Actor: "lee", Fields: Fields{Description: &desc, Plan: &plan},
	})
	require.NoError(t, err)
	assert.Equal(t, "monthly", got.Description)
	assert.Equal(t, "sprint-2", got.Plan)
	assert.Equal(t, "Clean the aquarium", got.Name)
	assert.Equal(t, "lee", got.Owner)

	notes, _ := f.engine.Notes(ctx, task.ID)
	require.Len(t, notes, 4)
	assert.Equal(t, EventEdit, notes[0].Event)
	assert.True(t, strings.Contains(notes[0].Message, "description, plan"), notes[0].Message)
}

func TestEngine_Notes_NotFound(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Notes(context.Background(), "zoo_77")
	assert.ErrorIs(t, err, ErrNotFound)
}
