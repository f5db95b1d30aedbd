// Package ticketsvc implements the mock ServiceNow incident table API the
// agent files remediation tickets against.
//
// The store is in-memory, guarded by a single mutex; write visibility is
// linearizable. Incident numbers are INC%07d from a monotonically
// increasing counter.
package ticketsvc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "meridian-ticketing"

// Server holds the incident store and its HTTP handlers.
type Server struct {
	mu      sync.Mutex
	store   map[string]map[string]any
	counter int
	log     *slog.Logger
}

// NewServer returns an empty incident service.
func NewServer() *Server {
	return &Server{
		store: make(map[string]map[string]any),
		log:   slog.With("component", "ticketsvc"),
	}
}

// Router wires the incident table routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/now/table/incident", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/now/table/incident", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/now/table/incident/{sys_id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/now/table/incident/{sys_id}", s.handlePatch).Methods(http.MethodPatch)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) nextNumber() string {
	s.counter++
	return fmt.Sprintf("INC%07d", s.counter)
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if _, ok := payload["short_description"]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "short_description is required"})
		return
	}

	now := nowString()
	record := map[string]any{
		"sys_id":            uuid.NewString(),
		"short_description": payload["short_description"],
		"description":       stringOr(payload, "description", ""),
		"state":             intOr(payload, "state", 1),
		"priority":          intOr(payload, "priority", 3),
		"category":          stringOr(payload, "category", "software"),
		"assignment_group":  stringOr(payload, "assignment_group", ""),
		"assigned_to":       stringOr(payload, "assigned_to", ""),
		"caller_id":         stringOr(payload, "caller_id", ""),
		"sys_created_by":    stringOr(payload, "sys_created_by", "meridian-agent"),
		"opened_at":         now,
		"sys_updated_on":    now,
	}
	// Extra control-metadata fields pass through untouched.
	for k, v := range payload {
		if _, reserved := record[k]; !reserved {
			record[k] = v
		}
	}

	s.mu.Lock()
	record["number"] = s.nextNumber()
	s.store[record["sys_id"].(string)] = record
	response := cloneRecord(record)
	s.mu.Unlock()

	s.log.Info("incident created", "number", response["number"], "priority", response["priority"])
	writeJSON(w, http.StatusCreated, map[string]any{"result": response})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("sysparm_query")
	limit := queryInt(r, "sysparm_limit", 100)
	offset := queryInt(r, "sysparm_offset", 0)
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	matched := make([]map[string]any, 0, len(s.store))
	for _, rec := range s.store {
		if matchQuery(rec, query) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i]["opened_at"].(string) > matched[j]["opened_at"].(string)
	})

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": matched[offset:end]})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sysID := mux.Vars(r)["sys_id"]

	s.mu.Lock()
	record, ok := s.store[sysID]
	if ok {
		record = cloneRecord(record)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "No Record found", "sys_id": sysID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": record})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	sysID := mux.Vars(r)["sys_id"]

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.store[sysID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "No Record found", "sys_id": sysID})
		return
	}
	for k, v := range updates {
		if k == "sys_id" || k == "number" || k == "opened_at" {
			continue
		}
		if k == "state" || k == "priority" {
			record[k] = toInt(v, intFrom(record[k]))
			continue
		}
		record[k] = v
	}
	record["sys_updated_on"] = nowString()
	writeJSON(w, http.StatusOK, map[string]any{"result": cloneRecord(record)})
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

// matchQuery evaluates a minimal sysparm_query: field=value clauses joined
// by ^ with AND logic. Values compare as strings, matching ServiceNow.
func matchQuery(record map[string]any, query string) bool {
	if query == "" {
		return true
	}
	for _, clause := range strings.Split(query, "^") {
		field, value, found := strings.Cut(clause, "=")
		if !found {
			continue
		}
		if fmt.Sprintf("%v", record[strings.TrimSpace(field)]) != strings.TrimSpace(value) {
			return false
		}
	}
	return true
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	if v, ok := m[key]; ok {
		return toInt(v, fallback)
	}
	return fallback
}

func toInt(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

func intFrom(v any) int {
	return toInt(v, 0)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
