package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/taskboard/config"
	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/task"
)

const dateLayout = "2006-01-02"

// seed inserts the configured users and applications that do not exist yet.
// Existing records are left untouched.
func seed(ctx context.Context, s config.SeedConfig, users *identity.SQLStore, tasks *task.SQLStore, logger *slog.Logger) error {
	for _, us := range s.Users {
		inserted, err := users.EnsureUser(ctx, &identity.User{
			Username:     us.Username,
			PasswordHash: us.PasswordHash,
			Email:        us.Email,
			Disabled:     us.Disabled,
			Groups:       us.Groups,
		})
		if err != nil {
			return fmt.Errorf("user %s: %w", us.Username, err)
		}
		if inserted {
			logger.Info("seeded user", "username", us.Username, "groups", us.Groups)
		}
	}

	for _, as := range s.Applications {
		app, err := applicationFromSeed(as)
		if err != nil {
			return err
		}
		inserted, err := tasks.EnsureApplication(ctx, app)
		if err != nil {
			return fmt.Errorf("application %s: %w", as.Acronym, err)
		}
		if inserted {
			logger.Info("seeded application", "acronym", app.Acronym)
		}
	}
	return nil
}

func applicationFromSeed(as config.ApplicationSeed) (*task.Application, error) {
	app := &task.Application{
		Acronym:      as.Acronym,
		Description:  as.Description,
		RNumber:      as.RNumber,
		PermitCreate: as.PermitCreate,
		PermitOpen:   as.PermitOpen,
		PermitTodo:   as.PermitTodo,
		PermitDoing:  as.PermitDoing,
		PermitDone:   as.PermitDone,
	}
	var err error
	if app.StartDate, err = parseDate(as.StartDate); err != nil {
		return nil, fmt.Errorf("application %s start_date: %w", as.Acronym, err)
	}
	if app.EndDate, err = parseDate(as.EndDate); err != nil {
		return nil, fmt.Errorf("application %s end_date: %w", as.Acronym, err)
	}
	return app, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
