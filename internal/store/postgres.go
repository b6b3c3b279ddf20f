package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bakeplan/api/internal/plansync"
	"bakeplan/api/internal/util"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, COALESCE(password_hash, ''), created_at`

func scanUser(row interface{ Scan(...any) error }, user *User) error {
	return row.Scan(&user.ID, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	findUser := `SELECT ` + userColumns + ` FROM users WHERE display_name = $1`
	var user User
	err := scanUser(s.db.QueryRowContext(ctx, findUser, name), &user)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		RETURNING `+userColumns, util.NewID("usr"), name), &user)
	if err != nil {
		// Lost a race with a concurrent login for the same name.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if err := scanUser(s.db.QueryRowContext(ctx, findUser, name), &user); err != nil {
				return User{}, fmt.Errorf("lookup user after conflict: %w", err)
			}
			return user, nil
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID), &user)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// SetUserPassword stores a password hash for userID.
func (s *PostgresStore) SetUserPassword(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, hash)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePlan inserts a plan owned by ownerID, grants the owner admin and
// seeds an empty calendar.
func (s *PostgresStore) CreatePlan(ctx context.Context, ownerID string, fields map[string]plansync.Value) (plansync.Record, error) {
	if fields == nil {
		fields = map[string]plansync.Value{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return plansync.Record{}, fmt.Errorf("encode plan fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return plansync.Record{}, fmt.Errorf("begin create plan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	planID := util.NewID("pln")
	var raw []byte
	var lastEdited time.Time
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO plans (id, owner_id, fields)
		VALUES ($1, $2, $3::jsonb)
		RETURNING fields, last_edited
	`, planID, ownerID, string(encoded)).Scan(&raw, &lastEdited); err != nil {
		return plansync.Record{}, fmt.Errorf("insert plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_members (plan_id, user_id, role)
		VALUES ($1, $2, 'admin')
	`, planID, ownerID); err != nil {
		return plansync.Record{}, fmt.Errorf("insert plan owner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO plan_calendars (plan_id) VALUES ($1)`, planID); err != nil {
		return plansync.Record{}, fmt.Errorf("seed plan calendar: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return plansync.Record{}, fmt.Errorf("commit create plan: %w", err)
	}
	return decodeRecord(planID, raw, lastEdited)
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (plansync.Record, error) {
	var raw []byte
	var lastEdited time.Time
	err := s.db.QueryRowContext(ctx, `SELECT fields, last_edited FROM plans WHERE id=$1`, planID).Scan(&raw, &lastEdited)
	if errors.Is(err, sql.ErrNoRows) {
		return plansync.Record{}, ErrNotFound
	}
	if err != nil {
		return plansync.Record{}, fmt.Errorf("get plan: %w", err)
	}
	return decodeRecord(planID, raw, lastEdited)
}

// ApplyPlanChanges merges the set fields, removes the deleted ones and stamps
// last_edited in a single statement.
func (s *PostgresStore) ApplyPlanChanges(ctx context.Context, planID string, changes plansync.ChangeSet) (plansync.Record, error) {
	encoded, err := json.Marshal(changes.Sets())
	if err != nil {
		return plansync.Record{}, fmt.Errorf("encode plan changes: %w", err)
	}
	deletes := changes.Deletes()
	if deletes == nil {
		deletes = []string{}
	}

	var raw []byte
	var lastEdited time.Time
	err = s.db.QueryRowContext(ctx, `
		UPDATE plans
		SET fields = (fields || $2::jsonb) - $3::text[], last_edited = NOW()
		WHERE id = $1
		RETURNING fields, last_edited
	`, planID, string(encoded), deletes).Scan(&raw, &lastEdited)
	if errors.Is(err, sql.ErrNoRows) {
		return plansync.Record{}, ErrNotFound
	}
	if err != nil {
		return plansync.Record{}, fmt.Errorf("apply plan changes: %w", err)
	}
	return decodeRecord(planID, raw, lastEdited)
}

func (s *PostgresStore) ListPlans(ctx context.Context, userID string) ([]PlanSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, COALESCE(p.fields->>'title', ''), m.role, p.owner_id, p.last_edited
		FROM plans p
		JOIN plan_members m ON m.plan_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.last_edited DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]PlanSummary, 0)
	for rows.Next() {
		var item PlanSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.Role, &item.OwnerID, &item.LastEdited); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

// PlanRole returns the caller's role on the plan, or "" when they are not a
// member. ErrNotFound means the plan itself does not exist.
func (s *PostgresStore) PlanRole(ctx context.Context, planID, userID string) (string, error) {
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT m.role
		FROM plans p
		LEFT JOIN plan_members m ON m.plan_id = p.id AND m.user_id = $2
		WHERE p.id = $1
	`, planID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read plan role: %w", err)
	}
	return role.String, nil
}

func (s *PostgresStore) AddPlanMember(ctx context.Context, member PlanMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_members (plan_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (plan_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.PlanID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("add plan member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCalendar(ctx context.Context, planID string) (Calendar, error) {
	var raw []byte
	cal := Calendar{PlanID: planID}
	err := s.db.QueryRowContext(ctx, `
		SELECT events, version, updated_at FROM plan_calendars WHERE plan_id=$1
	`, planID).Scan(&raw, &cal.Version, &cal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Calendar{}, ErrNotFound
	}
	if err != nil {
		return Calendar{}, fmt.Errorf("get calendar: %w", err)
	}
	if err := json.Unmarshal(raw, &cal.Events); err != nil {
		return Calendar{}, fmt.Errorf("decode calendar events: %w", err)
	}
	return cal, nil
}

// ReplaceCalendar writes events only if the stored version still equals
// expectedVersion, and bumps the version.
func (s *PostgresStore) ReplaceCalendar(ctx context.Context, planID string, expectedVersion int64, events []CalendarEvent) (Calendar, error) {
	if events == nil {
		events = []CalendarEvent{}
	}
	encoded, err := json.Marshal(events)
	if err != nil {
		return Calendar{}, fmt.Errorf("encode calendar events: %w", err)
	}

	cal := Calendar{PlanID: planID, Events: events}
	err = s.db.QueryRowContext(ctx, `
		UPDATE plan_calendars
		SET events = $3::jsonb, version = version + 1, updated_at = NOW()
		WHERE plan_id = $1 AND version = $2
		RETURNING version, updated_at
	`, planID, expectedVersion, string(encoded)).Scan(&cal.Version, &cal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM plan_calendars WHERE plan_id=$1)`, planID).Scan(&exists); err != nil {
			return Calendar{}, fmt.Errorf("check calendar: %w", err)
		}
		if !exists {
			return Calendar{}, ErrNotFound
		}
		return Calendar{}, ErrVersionConflict
	}
	if err != nil {
		return Calendar{}, fmt.Errorf("replace calendar: %w", err)
	}
	return cal, nil
}

func decodeRecord(planID string, raw []byte, lastEdited time.Time) (plansync.Record, error) {
	rec := plansync.Record{ID: planID, LastEdited: lastEdited, Fields: map[string]plansync.Value{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return plansync.Record{}, fmt.Errorf("decode plan %s fields: %w", planID, err)
		}
	}
	return rec, nil
}
