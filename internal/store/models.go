package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

type User struct {
	ID          string
	DisplayName string
	// PasswordHash is a bcrypt hash, or "" for a name nobody has claimed.
	PasswordHash string
	CreatedAt    time.Time
}

// PlanSummary is a row of the plan list for one member.
type PlanSummary struct {
	ID         string
	Title      string
	Role       string
	OwnerID    string
	LastEdited time.Time
}

type PlanMember struct {
	PlanID    string
	UserID    string
	Role      string
	GrantedAt time.Time
}

// CalendarEvent is one entry of a plan's calendar sub-document.
type CalendarEvent struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Date      string `json:"date"`
	Notes     string `json:"notes,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// Calendar is versioned as a whole; writers must present the version they
// read.
type Calendar struct {
	PlanID    string
	Events    []CalendarEvent
	Version   int64
	UpdatedAt time.Time
}
