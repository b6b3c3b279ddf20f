package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"bakeplan/api/internal/assistant"
	"bakeplan/api/internal/auth"
	"bakeplan/api/internal/authpw"
	"bakeplan/api/internal/blocks"
	"bakeplan/api/internal/calendar"
	"bakeplan/api/internal/config"
	"bakeplan/api/internal/email"
	"bakeplan/api/internal/export"
	"bakeplan/api/internal/gitrepo"
	"bakeplan/api/internal/plansync"
	"bakeplan/api/internal/rbac"
	"bakeplan/api/internal/search"
	"bakeplan/api/internal/store"
	"bakeplan/api/internal/uploads"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SetUserPassword(context.Context, string, string) error
	CreatePlan(context.Context, string, map[string]plansync.Value) (plansync.Record, error)
	ListPlans(context.Context, string) ([]store.PlanSummary, error)
	PlanRole(context.Context, string, string) (string, error)
	AddPlanMember(context.Context, store.PlanMember) error
	Ping(ctx context.Context) error
}

// documentStore is the remote document store as the API sees it: writes
// return the stored record.
type documentStore interface {
	Get(context.Context, string) (plansync.Record, error)
	Apply(context.Context, string, plansync.ChangeSet) (plansync.Record, error)
	Subscribe(context.Context, string) (<-chan plansync.Event, func(), error)
}

type calendarService interface {
	Events(context.Context, string) (store.Calendar, error)
	AddEvent(context.Context, string, calendar.NewEvent) (store.CalendarEvent, store.Calendar, error)
	RemoveEvent(context.Context, string, string) (store.Calendar, error)
}

type uploadSigner interface {
	Sign(ctx context.Context, planID, filename, contentType string) (uploads.Grant, error)
}

type generator interface {
	Generate(context.Context, assistant.Request) (string, error)
}

type planSearcher interface {
	Search(search.Query) search.Response
	IndexPlan(plansync.Record)
}

type planHistory interface {
	Commit(rec plansync.Record, author, message string) (gitrepo.Revision, bool, error)
	History(planID string, limit int) ([]gitrepo.Revision, error)
	Snapshot(planID, hash string) (gitrepo.Snapshot, error)
}

type planExporter interface {
	Export(context.Context, plansync.Record, export.Format) (*export.Result, error)
}

type inviteMailer interface {
	IsConfigured() bool
	SendPlanInvite(to string, invite email.Invite) error
}

// Deps are the collaborators of a Service. Uploads, Assistant, Search,
// History and Mailer may be nil, which disables those features.
type Deps struct {
	Store     dataStore
	Documents documentStore
	Calendar  calendarService
	Uploads   uploadSigner
	Assistant generator
	Search    planSearcher
	History   planHistory
	Exporter  planExporter
	Mailer    inviteMailer
	Blocks    *blocks.Registry
	Logger    *log.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	passwords *authpw.Service
	docs      documentStore
	calendar  calendarService
	uploads   uploadSigner
	assistant generator
	search    planSearcher
	history   planHistory
	exporter  planExporter
	mailer    inviteMailer
	blocks    *blocks.Registry
	logger    *log.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Blocks == nil {
		deps.Blocks = blocks.NewRegistry(blocks.DefaultDepth)
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewService()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		passwords: authpw.NewService(deps.Store),
		docs:      deps.Documents,
		calendar:  deps.Calendar,
		uploads:   deps.Uploads,
		assistant: deps.Assistant,
		search:    deps.Search,
		history:   deps.History,
		exporter:  deps.Exporter,
		mailer:    deps.Mailer,
		blocks:    deps.Blocks,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// Login signs name in. password may be empty for a name nobody has claimed;
// giving one claims the name.
func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, name, password)
	if err != nil {
		return Session{}, passwordError(err)
	}

	token, expiresAt, err := auth.IssueAccessToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, s.cfg.AccessTTL, s.now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorize resolves the caller's role on planID. Non-members get the same
// 404 as a missing plan.
func (s *Service) authorize(ctx context.Context, session Session, planID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.store.PlanRole(ctx, planID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.RoleNone, errPlanNotFound
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	role := rbac.Normalize(raw)
	if role == rbac.RoleNone {
		return rbac.RoleNone, errPlanNotFound
	}
	if !rbac.Can(role, action) {
		return role, errForbidden
	}
	return role, nil
}

func (s *Service) ListPlans(ctx context.Context, session Session) ([]map[string]any, error) {
	plans, err := s.store.ListPlans(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(plans))
	for _, plan := range plans {
		items = append(items, map[string]any{
			"id":         plan.ID,
			"title":      plan.Title,
			"role":       plan.Role,
			"ownerId":    plan.OwnerID,
			"lastEdited": plan.LastEdited,
		})
	}
	return items, nil
}

func (s *Service) CreatePlan(ctx context.Context, session Session, fields map[string]plansync.Value) (plansync.Record, error) {
	initial := make(map[string]plansync.Value, len(fields)+1)
	for key, value := range fields {
		if strings.TrimSpace(key) == "" {
			return plansync.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field keys must not be empty", nil)
		}
		if !value.IsNull() {
			initial[key] = value
		}
	}
	if title, ok := initial["title"]; !ok || strings.TrimSpace(title.Str()) == "" {
		initial["title"] = plansync.String("Untitled plan")
	}
	rec, err := s.store.CreatePlan(ctx, session.UserID, initial)
	if err != nil {
		return plansync.Record{}, err
	}
	if s.search != nil {
		s.search.IndexPlan(rec)
	}
	s.recordRevision(rec, session, "Create plan")
	return rec, nil
}

// SearchPlans runs a full-text search over the plans session can read.
func (s *Service) SearchPlans(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured", nil)
	}
	plans, err := s.store.ListPlans(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(plans))
	for _, plan := range plans {
		ids = append(ids, plan.ID)
	}
	if len(ids) == 0 {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{Text: text, PlanIDs: ids, Limit: limit, Offset: offset}), nil
}

func (s *Service) GetPlan(ctx context.Context, session Session, planID string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, planID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	rec, err := s.docs.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"plan": rec, "role": role}, nil
}

func (s *Service) PatchPlan(ctx context.Context, session Session, planID string, patch plansync.Patch) (plansync.Record, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionWrite); err != nil {
		return plansync.Record{}, err
	}
	changes, err := patch.ChangeSet()
	if err != nil {
		return plansync.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.apply(ctx, session, planID, changes, gitrepo.Describe(changes))
}

func (s *Service) SubscribePlan(ctx context.Context, session Session, planID string) (<-chan plansync.Event, func(), error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionRead); err != nil {
		return nil, nil, err
	}
	return s.docs.Subscribe(ctx, planID)
}

// CurrentPlan reads the stored record without an access check; callers must
// already hold a subscription or another authorized handle on planID.
func (s *Service) CurrentPlan(ctx context.Context, planID string) (plansync.Record, error) {
	return s.docs.Get(ctx, planID)
}

// AddMember grants userName role on planID. With an address in to, the new
// member is also sent an invitation; a failed send is logged and reported as
// invited=false but does not undo the grant.
func (s *Service) AddMember(ctx context.Context, session Session, planID, userName, role, to string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionShare); err != nil {
		return nil, err
	}
	normalized := rbac.Normalize(role)
	if normalized == rbac.RoleNone {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or admin", nil)
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userName is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddPlanMember(ctx, store.PlanMember{PlanID: planID, UserID: user.ID, Role: string(normalized)}); err != nil {
		return nil, err
	}
	payload := map[string]any{"planId": planID, "userId": user.ID, "userName": user.DisplayName, "role": normalized}
	if to = strings.TrimSpace(to); to != "" {
		payload["invited"] = s.sendInvite(ctx, session, planID, user.DisplayName, string(normalized), to)
	}
	return payload, nil
}

func (s *Service) sendInvite(ctx context.Context, session Session, planID, userName, role, to string) bool {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		s.logger.Printf("email: invite for %s on %s skipped: SMTP is not configured", userName, planID)
		return false
	}
	title := "Untitled plan"
	if rec, err := s.docs.Get(ctx, planID); err == nil {
		if t := strings.TrimSpace(rec.Fields["title"].Str()); t != "" {
			title = t
		}
	}
	err := s.mailer.SendPlanInvite(to, email.Invite{
		PlanID:    planID,
		PlanTitle: title,
		InvitedBy: session.UserName,
		Role:      role,
		UserName:  userName,
	})
	if err != nil {
		s.logger.Printf("email: invite for %s on %s failed: %v", userName, planID, err)
		return false
	}
	return true
}

func (s *Service) Calendar(ctx context.Context, session Session, planID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionRead); err != nil {
		return nil, err
	}
	cal, err := s.calendar.Events(ctx, planID)
	if err != nil {
		return nil, calendarError(err)
	}
	return calendarPayload(cal), nil
}

func (s *Service) AddCalendarEvent(ctx context.Context, session Session, planID string, input calendar.NewEvent) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	input.CreatedBy = session.UserName
	event, cal, err := s.calendar.AddEvent(ctx, planID, input)
	if err != nil {
		return nil, calendarError(err)
	}
	payload := calendarPayload(cal)
	payload["event"] = event
	return payload, nil
}

func (s *Service) RemoveCalendarEvent(ctx context.Context, session Session, planID, eventID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	cal, err := s.calendar.RemoveEvent(ctx, planID, eventID)
	if err != nil {
		return nil, calendarError(err)
	}
	return calendarPayload(cal), nil
}

func (s *Service) SignUpload(ctx context.Context, session Session, planID, filename, contentType string) (uploads.Grant, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionUpload); err != nil {
		return uploads.Grant{}, err
	}
	if s.uploads == nil {
		return uploads.Grant{}, domainError(http.StatusServiceUnavailable, "UPLOADS_DISABLED", "Uploads are not configured", nil)
	}
	grant, err := s.uploads.Sign(ctx, planID, filename, contentType)
	switch {
	case errors.Is(err, uploads.ErrInvalidName), errors.Is(err, uploads.ErrUnsupportedContent):
		return uploads.Grant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, uploads.ErrDisabled):
		return uploads.Grant{}, domainError(http.StatusServiceUnavailable, "UPLOADS_DISABLED", "Uploads are not configured", nil)
	case err != nil:
		return uploads.Grant{}, err
	}
	return grant, nil
}

// GenerateBlock asks the assistant for text, writes it to field and records
// it in the field's undo history.
func (s *Service) GenerateBlock(ctx context.Context, session Session, planID, field, prompt string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionGenerate); err != nil {
		return nil, err
	}
	if s.assistant == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ASSISTANT_DISABLED", "Assistant is not configured", nil)
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field is required", nil)
	}

	rec, err := s.docs.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	neighbours := make(map[string]string)
	for key, value := range rec.Fields {
		if key != field && value.Kind() == plansync.KindString {
			neighbours[key] = value.Str()
		}
	}

	text, err := s.assistant.Generate(ctx, assistant.Request{PlanID: planID, Field: field, Prompt: prompt, Context: neighbours})
	switch {
	case errors.Is(err, assistant.ErrEmptyPrompt):
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "prompt is required", nil)
	case errors.Is(err, assistant.ErrDisabled):
		return nil, domainError(http.StatusServiceUnavailable, "ASSISTANT_DISABLED", "Assistant is not configured", nil)
	case err != nil:
		return nil, domainError(http.StatusBadGateway, "ASSISTANT_FAILED", "The assistant could not answer", nil)
	}

	s.blocks.Seed(planID, field, rec.Fields[field].Str())
	updated, err := s.apply(ctx, session, planID, plansync.ChangeSet{field: plansync.Set(plansync.String(text))}, "Generate "+field)
	if err != nil {
		return nil, err
	}
	state := s.blocks.Push(planID, field, text)
	return map[string]any{"field": field, "text": text, "plan": updated, "history": state}, nil
}

// StepBlock moves field one step through its undo history and writes the
// resulting text.
func (s *Service) StepBlock(ctx context.Context, session Session, planID, field string, redo bool) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	step, back, verb, message := s.blocks.Undo, s.blocks.Redo, "undo", "Undo "+field
	if redo {
		step, back, verb, message = s.blocks.Redo, s.blocks.Undo, "redo", "Redo "+field
	}
	state, ok := step(planID, field)
	if !ok {
		return nil, domainError(http.StatusConflict, "NO_HISTORY", "Nothing to "+verb, state)
	}
	updated, err := s.apply(ctx, session, planID, plansync.ChangeSet{field: plansync.Set(plansync.String(state.Text))}, message)
	if err != nil {
		back(planID, field)
		return nil, err
	}
	return map[string]any{"field": field, "plan": updated, "history": state}, nil
}

// apply writes changes through the document store and records the stored
// result as a revision authored by session.
func (s *Service) apply(ctx context.Context, session Session, planID string, changes plansync.ChangeSet, message string) (plansync.Record, error) {
	rec, err := s.docs.Apply(ctx, planID, changes)
	if err != nil {
		return plansync.Record{}, err
	}
	if len(changes) > 0 {
		s.recordRevision(rec, session, message)
	}
	return rec, nil
}

// recordRevision commits rec to the plan history. History failures never fail
// the write that produced rec.
func (s *Service) recordRevision(rec plansync.Record, session Session, message string) {
	if s.history == nil {
		return
	}
	if _, _, err := s.history.Commit(rec, session.UserName, message); err != nil {
		s.logger.Printf("history: commit %s failed: %v", rec.ID, err)
	}
}

// Revisions lists the most recent revisions of planID.
func (s *Service) Revisions(ctx context.Context, session Session, planID string, limit int) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, errHistoryDisabled
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.history.History(planID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return map[string]any{"revisions": items}, nil
}

// Revision returns the plan fields as of hash.
func (s *Service) Revision(ctx context.Context, session Session, planID, hash string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionRead); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(planID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revision": snap}, nil
}

// RestoreRevision rewrites the plan so its fields match revision hash. Keys
// added since then are deleted.
func (s *Service) RestoreRevision(ctx context.Context, session Session, planID, hash string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(planID, hash)
	if err != nil {
		return nil, err
	}
	current, err := s.docs.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	changes := make(plansync.ChangeSet)
	for key, value := range snap.Fields {
		if existing, ok := current.Fields[key]; !ok || !existing.Equal(value, true) {
			changes[key] = plansync.Set(value)
		}
	}
	for key := range current.Fields {
		if _, ok := snap.Fields[key]; !ok {
			changes[key] = plansync.Delete()
		}
	}
	if len(changes) == 0 {
		return map[string]any{"plan": current, "restored": snap.Hash, "changed": []string{}}, nil
	}

	updated, err := s.apply(ctx, session, planID, changes, "Restore "+snap.Hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"plan": updated, "restored": snap.Hash, "changed": changes.Keys()}, nil
}

func (s *Service) snapshot(planID, hash string) (gitrepo.Snapshot, error) {
	if s.history == nil {
		return gitrepo.Snapshot{}, errHistoryDisabled
	}
	snap, err := s.history.Snapshot(planID, hash)
	if errors.Is(err, gitrepo.ErrRevisionNotFound) {
		return gitrepo.Snapshot{}, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	if err != nil {
		return gitrepo.Snapshot{}, fmt.Errorf("history: %w", err)
	}
	return snap, nil
}

// ExportPlan renders the current plan as an HTML, PDF or DOCX file.
func (s *Service) ExportPlan(ctx context.Context, session Session, planID, format string) (*export.Result, error) {
	if _, err := s.authorize(ctx, session, planID, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf, docx or html", nil)
	}
	rec, err := s.docs.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, rec, parsed)
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "This export format is not available on the server", nil)
	case err != nil:
		return nil, fmt.Errorf("export: %w", err)
	}
	return result, nil
}

// ChangePassword sets a new password for the signed-in user.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return passwordError(s.passwords.ChangePassword(ctx, session.UserID, current, next))
}

func passwordError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authpw.ErrNameRequired):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	case errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid name or password", nil)
	default:
		return err
	}
}

func calendarPayload(cal store.Calendar) map[string]any {
	events := cal.Events
	if events == nil {
		events = []store.CalendarEvent{}
	}
	return map[string]any{"events": events, "version": cal.Version, "updatedAt": cal.UpdatedAt}
}

func calendarError(err error) error {
	switch {
	case errors.Is(err, calendar.ErrInvalidEvent):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, calendar.ErrEventNotFound):
		return domainError(http.StatusNotFound, "EVENT_NOT_FOUND", "Calendar event not found", nil)
	case errors.Is(err, store.ErrVersionConflict):
		return domainError(http.StatusConflict, "CALENDAR_CONFLICT", "The calendar changed while saving; try again", nil)
	default:
		return fmt.Errorf("calendar: %w", err)
	}
}
