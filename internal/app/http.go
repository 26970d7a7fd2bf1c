package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cogspace/api/internal/artifact"
	"cogspace/api/internal/logging"
	"cogspace/api/internal/metrics"
	"cogspace/api/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	actorHeader      = "X-Actor-ID"
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

var tracer = otel.Tracer("cogspace/http")

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: promhttp.Handler()}
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

		results, ready := s.service.Ready(ctx)
		checks := make(map[string]any, len(results))
		for name, err := range results {
			if err != nil {
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "artifacts" {
		if len(parts) == 2 {
			s.handleArtifactCollection(w, r)
			return
		}
		s.handleArtifact(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleArtifactCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body artifact.CreateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.CreatorID) == "" {
			body.CreatorID = actorID(r)
		}
		item, err := s.service.CreateArtifact(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"artifact": item})
	case http.MethodGet:
		query := r.URL.Query()
		projectID := strings.TrimSpace(query.Get("projectId"))
		if projectID == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION", "projectId is required", nil)
			return
		}
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
			return
		}
		items, err := s.service.ListArtifacts(r.Context(), projectID, store.Kind(strings.TrimSpace(query.Get("kind"))), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": items})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleArtifact(w http.ResponseWriter, r *http.Request, artifactID string, rest []string) {
	ctx := logging.WithValue(r.Context(), logging.ArtifactIDKey, artifactID)
	r = r.WithContext(ctx)

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		item, err := s.service.GetArtifact(ctx, artifactID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifact": item})

	case len(rest) == 1 && rest[0] == "state" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			State store.State `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.SetState(ctx, artifactID, body.State, actor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifact": item})

	case len(rest) >= 1 && rest[0] == "versions":
		s.handleVersions(w, r, artifactID, rest[1:])

	case len(rest) == 1 && rest[0] == "diff" && r.Method == http.MethodGet:
		from, errFrom := strconv.Atoi(r.URL.Query().Get("from"))
		to, errTo := strconv.Atoi(r.URL.Query().Get("to"))
		if errFrom != nil || errTo != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "from and to version numbers are required", nil)
			return
		}
		changes, err := s.service.Diff(ctx, artifactID, from, to)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "changes": changes})

	case len(rest) == 1 && rest[0] == "transform" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body TransformInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.Transform(ctx, artifactID, actor, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"artifact": res.Artifact,
			"version":  res.Version,
			"lineage":  res.Link,
		})

	case len(rest) == 1 && rest[0] == "refine" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body CommitInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.Refine(ctx, artifactID, actor, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": version})

	case len(rest) == 1 && rest[0] == "lineage" && r.Method == http.MethodGet:
		link, err := s.service.GetLineage(ctx, artifactID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lineage": link})

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
			return
		}
		history, err := s.service.MirrorHistory(ctx, artifactID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": history})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, artifactID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body CommitInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.CommitVersion(ctx, artifactID, actor, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": res.Version, "artifact": res.Artifact})

	case len(rest) == 0 && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
			return
		}
		after := 0
		if raw := strings.TrimSpace(query.Get("after")); raw != "" {
			if after, err = strconv.Atoi(raw); err != nil || after < 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION", "after must be a non-negative version number", nil)
				return
			}
		}
		items, err := s.service.ListVersions(ctx, artifactID, after, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})

	case len(rest) == 1 && r.Method == http.MethodGet:
		var (
			version store.Version
			err     error
		)
		if rest[0] == "latest" {
			version, err = s.service.GetLatestVersion(ctx, artifactID)
		} else {
			number, convErr := strconv.Atoi(rest[0])
			if convErr != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION", "version must be a number or latest", nil)
				return
			}
			version, err = s.service.GetVersion(ctx, artifactID, number)
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		route := routeLabel(r.URL.Path)
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		))
		defer span.End()
		ctx = logging.WithValue(ctx, logging.RequestIDKey, requestID)
		ctx = logging.WithValue(ctx, logging.ActorIDKey, actorID(r))
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		span.SetAttributes(attribute.Int("http.status_code", writer.status))
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		logging.Info(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

// decodeBody keeps JSON numbers as json.Number so content round-trips
// without float conversion.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", actorHeader+" header is required", nil)
		return "", false
	}
	return actor, true
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive number")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

var artifactSubroutes = map[string]bool{
	"state":     true,
	"versions":  true,
	"diff":      true,
	"transform": true,
	"refine":    true,
	"lineage":   true,
	"history":   true,
}

// routeLabel replaces ids in artifact paths so metric labels stay bounded.
// Anything that is not a known route collapses to "unmatched".
func routeLabel(path string) string {
	switch path {
	case "/api/health", "/api/ready", "/metrics", "/api/artifacts":
		return path
	}
	parts := splitPath(path)
	if len(parts) < 3 || len(parts) > 5 || parts[0] != "api" || parts[1] != "artifacts" {
		return "unmatched"
	}
	switch len(parts) {
	case 3:
		return "/api/artifacts/:id"
	case 4:
		if artifactSubroutes[parts[3]] {
			return "/api/artifacts/:id/" + parts[3]
		}
	case 5:
		if parts[3] == "versions" {
			if parts[4] == "latest" {
				return "/api/artifacts/:id/versions/latest"
			}
			return "/api/artifacts/:id/versions/:number"
		}
	}
	return "unmatched"
}
