package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"bakeplan/api/internal/auth"
	"bakeplan/api/internal/calendar"
	"bakeplan/api/internal/plansync"
	"bakeplan/api/internal/store"
)

// StreamMessage is one frame of a plan subscription.
type StreamMessage struct {
	Type   string           `json:"type"`
	Record *plansync.Record `json:"record,omitempty"`
	Error  string           `json:"error,omitempty"`
}

const (
	StreamRecord = "record"
	StreamError  = "error"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/password" {
		var body struct {
			Current string `json:"current"`
			Next    string `json:"next"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.ChangePassword(r.Context(), session, body.Current, body.Next)
		s.respond(w, map[string]any{"ok": true}, err)
		return
	}

	if r.URL.Path == "/api/plans" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListPlans(r.Context(), session)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list plans", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"plans": items})
		case http.MethodPost:
			var body struct {
				Fields map[string]plansync.Value `json:"fields"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			rec, err := s.service.CreatePlan(r.Context(), session, body.Fields)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"plan": rec})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp, err := s.service.SearchPlans(r.Context(), session, query.Get("q"), limit, offset)
		s.respond(w, resp, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "plans" {
		s.handlePlan(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handlePlan serves /api/plans/{planID}/rest...
func (s *HTTPServer) handlePlan(w http.ResponseWriter, r *http.Request, session Session, planID string, rest []string) {
	ctx := r.Context()

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetPlan(ctx, session, planID)
		s.respond(w, payload, err)
		return

	case len(rest) == 0 && r.Method == http.MethodPatch:
		var patch plansync.Patch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.PatchPlan(ctx, session, planID, patch)
		s.respond(w, map[string]any{"plan": rec}, err)
		return

	case len(rest) == 1 && rest[0] == "subscribe" && r.Method == http.MethodGet:
		s.handleSubscribe(w, r, session, planID)
		return

	case len(rest) == 1 && rest[0] == "members" && r.Method == http.MethodPost:
		var body struct {
			UserName string `json:"userName"`
			Role     string `json:"role"`
			Email    string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddMember(ctx, session, planID, body.UserName, body.Role, body.Email)
		s.respond(w, payload, err)
		return

	case len(rest) == 1 && rest[0] == "calendar" && r.Method == http.MethodGet:
		payload, err := s.service.Calendar(ctx, session, planID)
		s.respond(w, payload, err)
		return

	case len(rest) == 2 && rest[0] == "calendar" && rest[1] == "events" && r.Method == http.MethodPost:
		var body struct {
			Title string `json:"title"`
			Date  string `json:"date"`
			Notes string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddCalendarEvent(ctx, session, planID, calendar.NewEvent{Title: body.Title, When: body.Date, Notes: body.Notes})
		s.respond(w, payload, err)
		return

	case len(rest) == 3 && rest[0] == "calendar" && rest[1] == "events" && r.Method == http.MethodDelete:
		payload, err := s.service.RemoveCalendarEvent(ctx, session, planID, rest[2])
		s.respond(w, payload, err)
		return

	case len(rest) == 1 && rest[0] == "uploads" && r.Method == http.MethodPost:
		var body struct {
			Filename    string `json:"filename"`
			ContentType string `json:"contentType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		grant, err := s.service.SignUpload(ctx, session, planID, body.Filename, body.ContentType)
		s.respond(w, grant, err)
		return

	case len(rest) == 1 && rest[0] == "assistant" && r.Method == http.MethodPost:
		var body struct {
			Field  string `json:"field"`
			Prompt string `json:"prompt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GenerateBlock(ctx, session, planID, body.Field, body.Prompt)
		s.respond(w, payload, err)
		return

	case len(rest) == 3 && rest[0] == "blocks" && (rest[2] == "undo" || rest[2] == "redo") && r.Method == http.MethodPost:
		payload, err := s.service.StepBlock(ctx, session, planID, rest[1], rest[2] == "redo")
		s.respond(w, payload, err)
		return

	case len(rest) == 1 && rest[0] == "revisions" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		payload, err := s.service.Revisions(ctx, session, planID, limit)
		s.respond(w, payload, err)
		return

	case len(rest) == 2 && rest[0] == "revisions" && r.Method == http.MethodGet:
		payload, err := s.service.Revision(ctx, session, planID, rest[1])
		s.respond(w, payload, err)
		return

	case len(rest) == 3 && rest[0] == "revisions" && rest[2] == "restore" && r.Method == http.MethodPost:
		payload, err := s.service.RestoreRevision(ctx, session, planID, rest[1])
		s.respond(w, payload, err)
		return

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		result, err := s.service.ExportPlan(ctx, session, planID, r.URL.Query().Get("format"))
		if err != nil {
			s.respond(w, nil, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSubscribe streams every stored version of the plan over a websocket,
// starting with the current one. The subscription is opened before the
// snapshot is read so no write between the two is lost.
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request, session Session, planID string) {
	events, unsubscribe, err := s.service.SubscribePlan(r.Context(), session, planID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.corsOrigin),
	})
	if err != nil {
		log.Printf("subscribe %s: websocket upgrade failed: %v", planID, err)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(context.Background())

	send := func(msg StreamMessage) bool {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := wsjson.Write(writeCtx, conn, msg); err != nil {
			log.Printf("subscribe %s: write failed: %v", planID, err)
			return false
		}
		return true
	}

	current, err := s.service.CurrentPlan(ctx, planID)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "could not load plan")
		return
	}
	if !send(StreamMessage{Type: StreamRecord, Record: &current}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			msg := StreamMessage{Type: StreamRecord, Record: &ev.Record}
			if ev.Err != nil {
				msg = StreamMessage{Type: StreamError, Error: ev.Err.Error()}
			}
			if !send(msg) {
				return
			}
		}
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status == http.StatusInternalServerError {
			log.Printf("request failed: %v", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func originPatterns(corsOrigin string) []string {
	origin := strings.TrimSpace(corsOrigin)
	if origin == "" || origin == "*" {
		return []string{"*"}
	}
	origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return []string{origin}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// bearerToken reads the Authorization header, or the access_token query
// parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, plansync.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
