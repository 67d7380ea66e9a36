// Package identity stores users and their group memberships. It answers the
// membership question behind every task operation and verifies logins.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/taskboard/storage"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDisabled           = errors.New("user is disabled")
)

// Placeholder is the username the original user tables used for "nobody".
// It never receives mail and never authenticates.
const Placeholder = "-"

// User is a login identity. PasswordHash never leaves the package in JSON.
type User struct {
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Disabled     bool      `json:"disabled,omitempty"`
	Groups       []string  `json:"groups"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username      VARCHAR(64) PRIMARY KEY,
	password_hash VARCHAR(255) NOT NULL,
	email         VARCHAR(255) NOT NULL DEFAULT '',
	disabled      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_groups (
	username   VARCHAR(64) NOT NULL,
	group_name VARCHAR(64) NOT NULL,
	PRIMARY KEY (username, group_name),
	FOREIGN KEY (username) REFERENCES users (username)
);
`

const userColumns = `username, password_hash, email, disabled, created_at`

// SQLStore keeps users in the shared database.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore ensures the identity tables exist on db.
func NewSQLStore(ctx context.Context, db *storage.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, fmt.Errorf("create identity schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// HashPassword returns the bcrypt hash stored for password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// EnsureUser inserts u with its groups unless a user of that name already
// exists. It reports whether the user was inserted.
func (s *SQLStore) EnsureUser(ctx context.Context, u *User) (bool, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	if strings.TrimSpace(u.Username) == "" {
		return false, errors.New("username is required")
	}
	inserted := false
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE username = ?`, u.Username).Scan(&n); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if n > 0 {
			return nil
		}
		created := u.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`,
			u.Username, u.PasswordHash, u.Email, u.Disabled, created); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		seen := map[string]bool{}
		for _, g := range u.Groups {
			g = normalizeGroup(g)
			if g == "" || seen[g] {
				continue
			}
			seen[g] = true
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_groups (username, group_name) VALUES (?, ?)`, u.Username, g); err != nil {
				return fmt.Errorf("insert membership %s: %w", g, err)
			}
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetUser returns a user with its groups.
func (s *SQLStore) GetUser(ctx context.Context, username string) (*User, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	if u.Groups, err = s.Groups(ctx, username); err != nil {
		return nil, err
	}
	return u, nil
}

// Groups returns the groups username belongs to, sorted by name.
func (s *SQLStore) Groups(ctx context.Context, username string) ([]string, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name FROM user_groups WHERE username = ? ORDER BY group_name`, username)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// IsMember reports whether username belongs to group. Disabled and unknown
// users belong to no group.
func (s *SQLStore) IsMember(ctx context.Context, username, group string) (bool, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	group = normalizeGroup(group)
	if group == "" || username == "" || username == Placeholder {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_groups g
		JOIN users u ON u.username = g.username
		WHERE g.username = ? AND g.group_name = ? AND u.disabled = ?`,
		username, group, false).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership of %s in %s: %w", username, group, err)
	}
	return n > 0, nil
}

// Members returns every user in group, including disabled ones, ordered by
// username.
func (s *SQLStore) Members(ctx context.Context, group string) ([]*User, error) {
	ctx, cancel := s.db.WithTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, u.password_hash, u.email, u.disabled, u.created_at
		FROM users u JOIN user_groups g ON g.username = u.username
		WHERE g.group_name = ?
		ORDER BY u.username`, normalizeGroup(group))
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", group, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Authenticate checks password against the stored hash.
func (s *SQLStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	if username == "" || username == Placeholder {
		return nil, ErrInvalidCredentials
	}
	u, err := s.GetUser(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.Disabled {
		return nil, ErrDisabled
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	if err := s.Scan(&u.Username, &u.PasswordHash, &u.Email, &u.Disabled, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// normalizeGroup folds group names the way application permits are stored.
func normalizeGroup(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}
