package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bakeplan/api/internal/plansync"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("BAKEPLAN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("BAKEPLAN_TEST_DATABASE_URL is not set")
	}
	db, err := Open(context.Background(), dsn, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func migratedStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPlanLifecyclePostgres(t *testing.T) {
	s := migratedStore(t)
	ctx := context.Background()

	owner, err := s.EnsureUserByName(ctx, "Sam")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	again, err := s.EnsureUserByName(ctx, "Sam")
	if err != nil || again.ID != owner.ID {
		t.Fatalf("EnsureUserByName() not idempotent: %v %+v", err, again)
	}
	if owner.PasswordHash != "" {
		t.Fatalf("new user should be unclaimed, got %q", owner.PasswordHash)
	}
	if err := s.SetUserPassword(ctx, owner.ID, "$2a$10$hash"); err != nil {
		t.Fatalf("SetUserPassword() error = %v", err)
	}
	if claimed, err := s.GetUserByID(ctx, owner.ID); err != nil || claimed.PasswordHash != "$2a$10$hash" {
		t.Fatalf("GetUserByID() = %+v, %v", claimed, err)
	}
	if err := s.SetUserPassword(ctx, "usr_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetUserPassword(missing) error = %v", err)
	}

	created, err := s.CreatePlan(ctx, owner.ID, map[string]plansync.Value{
		"title":        plansync.String("Old"),
		"owner":        plansync.String("Sam"),
		"m1s1_pillars": plansync.List("place"),
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	updated, err := s.ApplyPlanChanges(ctx, created.ID, plansync.ChangeSet{
		"title":        plansync.Set(plansync.String("Q1 Plan")),
		"m1s1_pillars": plansync.Set(plansync.List("people", "place")),
		"owner":        plansync.Delete(),
	})
	if err != nil {
		t.Fatalf("ApplyPlanChanges() error = %v", err)
	}
	if got := updated.Fields["title"].Str(); got != "Q1 Plan" {
		t.Fatalf("title = %q", got)
	}
	if _, ok := updated.Fields["owner"]; ok {
		t.Fatal("owner should have been deleted")
	}
	if !updated.LastEdited.After(created.LastEdited) && !updated.LastEdited.Equal(created.LastEdited) {
		t.Fatalf("last_edited went backwards: %v -> %v", created.LastEdited, updated.LastEdited)
	}

	fetched, err := s.GetPlan(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if !fetched.Fields["m1s1_pillars"].Equal(plansync.List("place", "people"), false) {
		t.Fatalf("unexpected pillars %v", fetched.Fields["m1s1_pillars"])
	}

	role, err := s.PlanRole(ctx, created.ID, owner.ID)
	if err != nil || role != "admin" {
		t.Fatalf("PlanRole() = %q, %v", role, err)
	}

	plans, err := s.ListPlans(ctx, owner.ID)
	if err != nil || len(plans) != 1 || plans[0].Title != "Q1 Plan" {
		t.Fatalf("ListPlans() = %+v, %v", plans, err)
	}

	if _, err := s.GetPlan(ctx, "pln_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPlan(missing) error = %v", err)
	}
	if _, err := s.ApplyPlanChanges(ctx, "pln_missing", plansync.ChangeSet{"a": plansync.Delete()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ApplyPlanChanges(missing) error = %v", err)
	}
}

func TestCalendarOptimisticConcurrencyPostgres(t *testing.T) {
	s := migratedStore(t)
	ctx := context.Background()

	owner, err := s.EnsureUserByName(ctx, "Robin")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	plan, err := s.CreatePlan(ctx, owner.ID, nil)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	cal, err := s.GetCalendar(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetCalendar() error = %v", err)
	}
	if cal.Version != 0 || len(cal.Events) != 0 {
		t.Fatalf("unexpected seeded calendar %+v", cal)
	}

	next, err := s.ReplaceCalendar(ctx, plan.ID, cal.Version, []CalendarEvent{{ID: "evt_1", Title: "Sourdough class", Date: "2026-03-02"}})
	if err != nil {
		t.Fatalf("ReplaceCalendar() error = %v", err)
	}
	if next.Version != 1 {
		t.Fatalf("version = %d, want 1", next.Version)
	}

	if _, err := s.ReplaceCalendar(ctx, plan.ID, cal.Version, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale ReplaceCalendar() error = %v, want conflict", err)
	}
	if _, err := s.ReplaceCalendar(ctx, "pln_missing", 0, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReplaceCalendar(missing) error = %v", err)
	}
}
