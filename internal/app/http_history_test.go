package app

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"bakeplan/api/internal/export"
	"bakeplan/api/internal/gitrepo"
	"bakeplan/api/internal/plansync"
)

type revisionList struct {
	Revisions []gitrepo.Revision `json:"revisions"`
}

func TestRevisionsDisabled(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "Sam")
	planID := env.createPlan(t, token, map[string]any{"title": "Spring"})

	rr := env.do(t, http.MethodGet, "/api/plans/"+planID+"/revisions", token, nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "HISTORY_DISABLED" {
		t.Fatalf("expected 503 HISTORY_DISABLED, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRevisionHistoryAndRestore(t *testing.T) {
	env := newTestEnv(t, withHistory(t.TempDir()))
	token := env.login(t, "Sam")
	planID := env.createPlan(t, token, map[string]any{"title": "Spring"})

	rr := env.do(t, http.MethodPatch, "/api/plans/"+planID, token, map[string]any{
		"set": map[string]any{"goal": "Open a second counter"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/plans/"+planID+"/revisions", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revisions: %d %s", rr.Code, rr.Body.String())
	}
	var list revisionList
	decode(t, rr, &list)
	if len(list.Revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %+v", list.Revisions)
	}
	if list.Revisions[0].Message != "Set goal" || list.Revisions[1].Message != "Create plan" {
		t.Fatalf("unexpected messages: %+v", list.Revisions)
	}
	if list.Revisions[0].Author != "Sam" {
		t.Fatalf("Author = %q", list.Revisions[0].Author)
	}
	baseline := list.Revisions[1].Hash

	rr = env.do(t, http.MethodGet, "/api/plans/"+planID+"/revisions/"+list.Revisions[0].Hash, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revision: %d %s", rr.Code, rr.Body.String())
	}
	var snap struct {
		Revision gitrepo.Snapshot `json:"revision"`
	}
	decode(t, rr, &snap)
	if strings.Join(snap.Revision.Changed, ",") != "goal" {
		t.Fatalf("Changed = %v", snap.Revision.Changed)
	}

	rr = env.do(t, http.MethodPost, "/api/plans/"+planID+"/revisions/"+baseline+"/restore", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rr.Code, rr.Body.String())
	}
	var restored struct {
		Plan     plansync.Record `json:"plan"`
		Restored string          `json:"restored"`
		Changed  []string        `json:"changed"`
	}
	decode(t, rr, &restored)
	if _, ok := restored.Plan.Fields["goal"]; ok {
		t.Fatalf("goal should be removed: %+v", restored.Plan.Fields)
	}
	if restored.Restored != baseline || strings.Join(restored.Changed, ",") != "goal" {
		t.Fatalf("unexpected restore payload: %+v", restored)
	}

	rr = env.do(t, http.MethodGet, "/api/plans/"+planID+"/revisions?limit=1", token, nil)
	decode(t, rr, &list)
	if len(list.Revisions) != 1 || list.Revisions[0].Message != "Restore "+baseline {
		t.Fatalf("expected restore revision first, got %+v", list.Revisions)
	}
}

func TestRestoreUnknownRevision(t *testing.T) {
	env := newTestEnv(t, withHistory(t.TempDir()))
	token := env.login(t, "Sam")
	planID := env.createPlan(t, token, map[string]any{"title": "Spring"})

	rr := env.do(t, http.MethodPost, "/api/plans/"+planID+"/revisions/0000000/restore", token, nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "REVISION_NOT_FOUND" {
		t.Fatalf("expected 404 REVISION_NOT_FOUND, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestViewerCannotRestore(t *testing.T) {
	env := newTestEnv(t, withHistory(t.TempDir()))
	owner := env.login(t, "Sam")
	viewer := env.login(t, "Robin")
	planID := env.createPlan(t, owner, map[string]any{"title": "Spring"})
	env.do(t, http.MethodPost, "/api/plans/"+planID+"/members", owner, map[string]any{"userName": "Robin", "role": "viewer"})

	rr := env.do(t, http.MethodGet, "/api/plans/"+planID+"/revisions", viewer, nil)
	var list revisionList
	decode(t, rr, &list)
	if rr.Code != http.StatusOK || len(list.Revisions) != 1 {
		t.Fatalf("viewer history: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/api/plans/"+planID+"/revisions/"+list.Revisions[0].Hash+"/restore", viewer, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer restore: expected 403, got %d", rr.Code)
	}
}

func TestExportHTML(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "Sam")
	planID := env.createPlan(t, token, map[string]any{"title": "Spring Menu", "m1s1_story": "Rye & honey"})

	rr := env.do(t, http.MethodGet, "/api/plans/"+planID+"/export?format=html", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="Spring-Menu.html"` {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<h1>Spring Menu</h1>") || !strings.Contains(body, "Rye &amp; honey") {
		t.Fatalf("unexpected export body: %s", body)
	}
}

func TestExportErrors(t *testing.T) {
	env := newTestEnv(t, withExporter(failingExporter{err: fmt.Errorf("%w: chromium not installed", export.ErrPDFDependencyMissing)}))
	token := env.login(t, "Sam")
	planID := env.createPlan(t, token, map[string]any{"title": "Spring"})

	rr := env.do(t, http.MethodGet, "/api/plans/"+planID+"/export?format=odt", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("odt: expected 422, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/plans/"+planID+"/export", token, nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "EXPORT_UNAVAILABLE" {
		t.Fatalf("pdf: expected 503 EXPORT_UNAVAILABLE, got %d %s", rr.Code, rr.Body.String())
	}
}
