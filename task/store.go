package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskboard/storage"
)

// schema is portable between SQLite and MySQL.
const schema = `
CREATE TABLE IF NOT EXISTS applications (
	acronym       VARCHAR(32) PRIMARY KEY,
	description   TEXT NOT NULL,
	rnumber       INTEGER NOT NULL DEFAULT 0,
	start_date    DATETIME NULL,
	end_date      DATETIME NULL,
	permit_create VARCHAR(64) NOT NULL DEFAULT '',
	permit_open   VARCHAR(64) NOT NULL DEFAULT '',
	permit_todo   VARCHAR(64) NOT NULL DEFAULT '',
	permit_doing  VARCHAR(64) NOT NULL DEFAULT '',
	permit_done   VARCHAR(64) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id          VARCHAR(64) PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	description TEXT NOT NULL,
	plan        VARCHAR(255) NOT NULL DEFAULT '',
	app_acronym VARCHAR(32) NOT NULL,
	state       VARCHAR(16) NOT NULL,
	creator     VARCHAR(64) NOT NULL,
	owner       VARCHAR(64) NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	FOREIGN KEY (app_acronym) REFERENCES applications (acronym)
);

CREATE TABLE IF NOT EXISTS task_notes (
	task_id    VARCHAR(64) NOT NULL,
	seq        INTEGER NOT NULL,
	id         VARCHAR(36) NOT NULL UNIQUE,
	actor      VARCHAR(64) NOT NULL,
	state      VARCHAR(16) NOT NULL,
	message    TEXT NOT NULL,
	kind       VARCHAR(16) NOT NULL,
	event      VARCHAR(16) NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, seq),
	FOREIGN KEY (task_id) REFERENCES tasks (id)
);
`

const (
	taskColumns = `id, name, description, plan, app_acronym, state, creator, owner, created_at, updated_at`
	noteColumns = `id, task_id, seq, actor, state, message, kind, event, created_at`
	appColumns  = `acronym, description, rnumber, start_date, end_date,
		permit_create, permit_open, permit_todo, permit_doing, permit_done`
)

// SQLStore persists tasks in a SQLite or MySQL database.
type SQLStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLStore ensures the task tables exist on db.
func NewSQLStore(ctx context.Context, db *storage.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("task %s", id)
	}
	if err != nil {
		return nil, persistence("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter.
func (s *SQLStore) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.AppAcronym != "" {
		q.WriteString(" AND app_acronym = ?")
		args = append(args, strings.ToLower(filter.AppAcronym))
	}
	if filter.State != nil {
		q.WriteString(" AND state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Owner != "" {
		q.WriteString(" AND owner = ?")
		args = append(args, filter.Owner)
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, persistence("list tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistence("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, persistence("list tasks", rows.Err())
}

// Notes returns the audit notes of a task, newest first.
func (s *SQLStore) Notes(ctx context.Context, taskID string) ([]*Note, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM task_notes WHERE task_id = ? ORDER BY seq DESC`, taskID)
	if err != nil {
		return nil, persistence("list notes", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, persistence("scan note", err)
		}
		notes = append(notes, n)
	}
	return notes, persistence("list notes", rows.Err())
}

// GetApplication retrieves an application by acronym.
func (s *SQLStore) GetApplication(ctx context.Context, acronym string) (*Application, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE acronym = ?`, strings.ToLower(acronym))
	a, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("application %s", acronym)
	}
	if err != nil {
		return nil, persistence("get application", err)
	}
	return a, nil
}

// ListApplications returns all applications ordered by acronym.
func (s *SQLStore) ListApplications(ctx context.Context) ([]*Application, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM applications ORDER BY acronym ASC`)
	if err != nil {
		return nil, persistence("list applications", err)
	}
	defer rows.Close()

	var apps []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, persistence("scan application", err)
		}
		apps = append(apps, a)
	}
	return apps, persistence("list applications", rows.Err())
}

// EnsureApplication inserts app if its acronym is not taken yet. An
// existing row, including its counter, is left untouched.
func (s *SQLStore) EnsureApplication(ctx context.Context, app *Application) (bool, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	app.Acronym = strings.ToLower(app.Acronym)
	inserted := false
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM applications WHERE acronym = ?`, app.Acronym).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO applications (`+appColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			app.Acronym, app.Description, app.RNumber,
			nullTime(app.StartDate), nullTime(app.EndDate),
			lowerGroup(app.PermitCreate), lowerGroup(app.PermitOpen), lowerGroup(app.PermitTodo),
			lowerGroup(app.PermitDoing), lowerGroup(app.PermitDone),
		)
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, persistence("ensure application", err)
}

// CreateTask reads and increments the application counter, derives the task
// ID from it, and inserts the task and its first note. Nothing is written if
// any step fails.
func (s *SQLStore) CreateTask(ctx context.Context, t *Task, first *Note) error {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	acronym := strings.ToLower(t.AppAcronym)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var rnumber int
		err := tx.QueryRowContext(ctx,
			`SELECT rnumber FROM applications WHERE acronym = ?`+s.db.ForUpdate(), acronym).Scan(&rnumber)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundf("application %s", t.AppAcronym)
		}
		if err != nil {
			return fmt.Errorf("read counter: %w", err)
		}

		next := rnumber + 1
		res, err := tx.ExecContext(ctx,
			`UPDATE applications SET rnumber = ? WHERE acronym = ? AND rnumber = ?`, next, acronym, rnumber)
		if err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("counter of %s changed concurrently", acronym)
		}

		now := s.now()
		t.ID = fmt.Sprintf("%s_%d", acronym, next)
		t.AppAcronym = acronym
		t.CreatedAt = now
		t.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Name, t.Description, t.Plan, t.AppAcronym,
			string(t.State), t.Creator, t.Owner, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if first == nil {
			return nil
		}
		first.TaskID = t.ID
		return s.insertNote(ctx, tx, first)
	})
	return persistence("create task", err)
}

// Update loads the task under lock, hands a copy to fn, and writes back the
// copy and the returned note. The write is conditioned on the state read at
// the start, so a concurrent change surfaces as ErrTransitionRejected.
func (s *SQLStore) Update(ctx context.Context, id string, fn MutateFunc) (*Task, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	var updated *Task
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`+s.db.ForUpdate(), id)
		current, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundf("task %s", id)
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}

		next := *current
		note, err := fn(&next)
		if err != nil {
			return err
		}
		// identity, parent and creation fields are immutable
		next.ID = current.ID
		next.AppAcronym = current.AppAcronym
		next.Creator = current.Creator
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.now()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET name = ?, description = ?, plan = ?, state = ?, owner = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			next.Name, next.Description, next.Plan, string(next.State), next.Owner, next.UpdatedAt,
			next.ID, string(current.State),
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return rejectedf("task %s changed concurrently", id)
		}

		if note != nil {
			note.TaskID = next.ID
			if err := s.insertNote(ctx, tx, note); err != nil {
				return err
			}
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, persistence("update task", err)
	}
	return updated, nil
}

// insertNote appends n after the task's last note. The caller holds the
// task row, so the sequence cannot race.
func (s *SQLStore) insertNote(ctx context.Context, tx *sql.Tx, n *Note) error {
	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM task_notes WHERE task_id = ?`, n.TaskID).Scan(&last); err != nil {
		return fmt.Errorf("read note sequence: %w", err)
	}
	n.Seq = last + 1
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_notes (`+noteColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.TaskID, n.Seq, n.Actor, string(n.State), n.Message, string(n.Kind), string(n.Event), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var state string
	err := s.Scan(
		&t.ID, &t.Name, &t.Description, &t.Plan, &t.AppAcronym,
		&state, &t.Creator, &t.Owner, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	return &t, nil
}

func scanNote(s scanner) (*Note, error) {
	var n Note
	var state, kind, event string
	err := s.Scan(&n.ID, &n.TaskID, &n.Seq, &n.Actor, &state, &n.Message, &kind, &event, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.State = State(state)
	n.Kind = Kind(kind)
	n.Event = Event(event)
	return &n, nil
}

func scanApplication(s scanner) (*Application, error) {
	var a Application
	var start, end sql.NullTime
	err := s.Scan(
		&a.Acronym, &a.Description, &a.RNumber, &start, &end,
		&a.PermitCreate, &a.PermitOpen, &a.PermitTodo, &a.PermitDoing, &a.PermitDone,
	)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		a.StartDate = &start.Time
	}
	if end.Valid {
		a.EndDate = &end.Time
	}
	return &a, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func lowerGroup(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}
