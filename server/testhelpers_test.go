package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/taskboard/comms"
	"github.com/GoCodeAlone/taskboard/config"
	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/internal/metrics"
	"github.com/GoCodeAlone/taskboard/server/ws"
	"github.com/GoCodeAlone/taskboard/storage"
	"github.com/GoCodeAlone/taskboard/task"
)

const testSecret = "test-secret-key-1234567890"

// fixture wires a server over a temp sqlite database seeded with one
// application and a few users.
type fixture struct {
	srv   *Server
	users *identity.SQLStore
	bus   *comms.InMemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "taskboard-server.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users, err := identity.NewSQLStore(ctx, db)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, u := range []*identity.User{
		{Username: "admin", PasswordHash: string(hash), Email: "admin@example.com", Groups: []string{"lead"}},
		{Username: "dana", PasswordHash: string(hash), Groups: []string{"dev"}},
		{Username: "gone", PasswordHash: string(hash), Disabled: true},
	} {
		if _, err := users.EnsureUser(ctx, u); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}

	tasks, err := task.NewSQLStore(ctx, db)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	if _, err := tasks.EnsureApplication(ctx, &task.Application{
		Acronym: "zoo", PermitCreate: "lead", PermitOpen: "lead", PermitTodo: "dev",
	}); err != nil {
		t.Fatalf("EnsureApplication: %v", err)
	}

	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth:   config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
	}
	bus := comms.NewInMemoryBus(0)
	hub := ws.NewHub(nil)
	hub.Attach(bus)

	s := New(cfg, "test", nil)
	s.SetEngine(task.NewEngine(tasks, users, nil))
	s.SetDirectory(users)
	s.SetBus(bus)
	s.SetHub(hub)
	s.SetMetrics(metrics.New())
	s.registerRoutes()
	return &fixture{srv: s, users: users, bus: bus}
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := signJWT(testSecret, subject, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	return token
}
