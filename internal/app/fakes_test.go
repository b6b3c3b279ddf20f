package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"bakeplan/api/internal/assistant"
	"bakeplan/api/internal/calendar"
	"bakeplan/api/internal/config"
	"bakeplan/api/internal/docstore"
	"bakeplan/api/internal/email"
	"bakeplan/api/internal/export"
	"bakeplan/api/internal/gitrepo"
	"bakeplan/api/internal/plansync"
	"bakeplan/api/internal/realtime"
	"bakeplan/api/internal/search"
	"bakeplan/api/internal/store"
)

// memoryStore stands in for Postgres: users, plans, members and calendars.
type memoryStore struct {
	mu        sync.Mutex
	seq       int
	tick      time.Time
	users     map[string]store.User
	plans     map[string]plansync.Record
	owners    map[string]string
	members   map[string]map[string]string
	calendars map[string]store.Calendar
	pingFn    func(context.Context) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tick:      time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		users:     make(map[string]store.User),
		plans:     make(map[string]plansync.Record),
		owners:    make(map[string]string),
		members:   make(map[string]map[string]string),
		calendars: make(map[string]store.Calendar),
	}
}

func (m *memoryStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

func (m *memoryStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: m.nextID("usr"), DisplayName: name, CreatedAt: m.tick}
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memoryStore) SetUserPassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	m.users[userID] = user
	return nil
}

func (m *memoryStore) CreatePlan(_ context.Context, ownerID string, fields map[string]plansync.Value) (plansync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick = m.tick.Add(time.Second)
	rec := plansync.Record{ID: m.nextID("pln"), Fields: map[string]plansync.Value{}, LastEdited: m.tick}
	for key, value := range fields {
		rec.Fields[key] = value
	}
	m.plans[rec.ID] = rec
	m.owners[rec.ID] = ownerID
	m.members[rec.ID] = map[string]string{ownerID: "admin"}
	m.calendars[rec.ID] = store.Calendar{PlanID: rec.ID}
	return rec.Clone(), nil
}

func (m *memoryStore) GetPlan(_ context.Context, planID string) (plansync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plans[planID]
	if !ok {
		return plansync.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memoryStore) ApplyPlanChanges(_ context.Context, planID string, changes plansync.ChangeSet) (plansync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plans[planID]
	if !ok {
		return plansync.Record{}, store.ErrNotFound
	}
	m.tick = m.tick.Add(time.Second)
	rec.Fields = changes.Apply(rec.Fields)
	rec.LastEdited = m.tick
	m.plans[planID] = rec
	return rec.Clone(), nil
}

func (m *memoryStore) ListPlans(_ context.Context, userID string) ([]store.PlanSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PlanSummary
	for planID, members := range m.members {
		role, ok := members[userID]
		if !ok {
			continue
		}
		rec := m.plans[planID]
		out = append(out, store.PlanSummary{ID: planID, Title: rec.Fields["title"].Str(), Role: role, OwnerID: m.owners[planID], LastEdited: rec.LastEdited})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastEdited.After(out[j].LastEdited) })
	return out, nil
}

func (m *memoryStore) PlanRole(_ context.Context, planID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[planID]
	if !ok {
		return "", store.ErrNotFound
	}
	return members[userID], nil
}

func (m *memoryStore) AddPlanMember(_ context.Context, member store.PlanMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[member.PlanID]
	if !ok {
		return store.ErrNotFound
	}
	members[member.UserID] = member.Role
	return nil
}

func (m *memoryStore) GetCalendar(_ context.Context, planID string) (store.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cal, ok := m.calendars[planID]
	if !ok {
		return store.Calendar{}, store.ErrNotFound
	}
	cal.Events = append([]store.CalendarEvent(nil), cal.Events...)
	return cal, nil
}

func (m *memoryStore) ReplaceCalendar(_ context.Context, planID string, expected int64, events []store.CalendarEvent) (store.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cal, ok := m.calendars[planID]
	if !ok {
		return store.Calendar{}, store.ErrNotFound
	}
	if cal.Version != expected {
		return store.Calendar{}, store.ErrVersionConflict
	}
	m.tick = m.tick.Add(time.Second)
	cal.Version++
	cal.Events = append([]store.CalendarEvent(nil), events...)
	cal.UpdatedAt = m.tick
	m.calendars[planID] = cal
	return cal, nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

type fakeCompleter struct {
	replies []string
	err     error
}

func (f *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	queries []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := make([]search.Result, 0, len(q.PlanIDs))
	for _, id := range q.PlanIDs {
		results = append(results, search.Result{PlanID: id})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeSearch) IndexPlan(rec plansync.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec.ID)
}

type testEnv struct {
	store   *memoryStore
	broker  *realtime.LocalBroker
	service *Service
	server  *HTTPServer
}

type envOption func(*Deps)

func withAssistant(c assistant.Completer) envOption {
	return func(d *Deps) { d.Assistant = assistant.NewService(c, quietLogger()) }
}

func withSearch(s planSearcher) envOption {
	return func(d *Deps) { d.Search = s }
}

func withHistory(dir string) envOption {
	return func(d *Deps) { d.History = gitrepo.New(dir) }
}

func withExporter(e planExporter) envOption {
	return func(d *Deps) { d.Exporter = e }
}

type failingExporter struct{ err error }

func (f failingExporter) Export(context.Context, plansync.Record, export.Format) (*export.Result, error) {
	return nil, f.err
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       map[string]email.Invite
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendPlanInvite(to string, invite email.Invite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = make(map[string]email.Invite)
	}
	f.sent[to] = invite
	return nil
}

func withMailer(m inviteMailer) envOption {
	return func(d *Deps) { d.Mailer = m }
}

func withUploads(u uploadSigner) envOption {
	return func(d *Deps) { d.Uploads = u }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ms := newMemoryStore()
	broker := realtime.NewLocalBroker()
	deps := Deps{
		Store:     ms,
		Documents: docstore.New(ms, broker, quietLogger()),
		Calendar:  calendar.NewService(ms, quietLogger()),
		Logger:    quietLogger(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := New(config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, CORSOrigin: "*"}, deps)
	return &testEnv{store: ms, broker: broker, service: svc, server: NewHTTPServer(svc, "*")}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// login returns a bearer token for name.
func (e *testEnv) login(t *testing.T, name string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/session/login", "", map[string]any{"name": name})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", name, rr.Code, rr.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	decode(t, rr, &body)
	return body.Token
}

func (e *testEnv) createPlan(t *testing.T, token string, fields map[string]any) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/plans", token, map[string]any{"fields": fields})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create plan: status %d body %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Plan plansync.Record `json:"plan"`
	}
	decode(t, rr, &body)
	return body.Plan.ID
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rr, &body)
	return body.Code
}
