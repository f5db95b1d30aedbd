// Package dashboard serves the read-only reporting API over the evidence
// store: signed trust envelopes with signature verification, the evidence
// chain with leaf re-hashing, recent control runs, and aggregate KPIs.
package dashboard

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/merkle"
	"github.com/meridian-labs/meridian/pkg/store"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "meridian-dashboard"

const defaultLimit = 100

// Server exposes the reporting routes over a store.
type Server struct {
	store *store.Store
	log   *slog.Logger
}

// NewServer wires a reporting server over st.
func NewServer(st *store.Store) *Server {
	return &Server{
		store: st,
		log:   slog.With("component", "dashboard"),
	}
}

// Router wires the reporting routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/envelopes", s.handleEnvelopes).Methods(http.MethodGet)
	r.HandleFunc("/api/evidence", s.handleEvidence).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/kpis", s.handleKPIs).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLimit
	}
	return n
}

// envelopeView is a stored envelope annotated with the outcome of
// re-verifying its embedded signature against its embedded public key.
type envelopeView struct {
	store.StoredEnvelope
	SignatureValid bool `json:"signature_valid"`
}

func (s *Server) handleEnvelopes(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.GetTrustEnvelopes(r.Context(), limitParam(r))
	if err != nil {
		s.log.Error("envelope query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "envelope query failed"})
		return
	}

	views := make([]envelopeView, 0, len(envs))
	for _, env := range envs {
		views = append(views, envelopeView{
			StoredEnvelope: env,
			SignatureValid: VerifyEnvelopeData(env.EnvelopeData),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": views})
}

// evidenceView is an evidence row annotated with whether its payload still
// hashes to the recorded Merkle leaf.
type evidenceView struct {
	store.EvidenceRow
	LeafValid bool `json:"leaf_valid"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListEvidence(r.Context(), limitParam(r))
	if err != nil {
		s.log.Error("evidence query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "evidence query failed"})
		return
	}

	views := make([]evidenceView, 0, len(rows))
	for _, row := range rows {
		leaf, err := merkle.HashLeaf(row.RawData)
		views = append(views, evidenceView{
			EvidenceRow: row,
			LeafValid:   err == nil && leaf == row.MerkleLeafHash,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": views})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.LatestRuns(r.Context(), limitParam(r))
	if err != nil {
		s.log.Error("run query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": runs})
}

// kpis is the aggregate posture snapshot: table counts, the current Merkle
// root, and a latest-run-per-control breakdown.
type kpis struct {
	EvidenceCount     int     `json:"evidence_count"`
	RunCount          int     `json:"run_count"`
	EnvelopeCount     int     `json:"envelope_count"`
	MerkleRoot        *string `json:"merkle_root"`
	ControlsMonitored int     `json:"controls_monitored"`
	ControlsPassing   int     `json:"controls_passing"`
	ControlsFailing   int     `json:"controls_failing"`
	ControlsErrored   int     `json:"controls_errored"`
	OpenTickets       int     `json:"open_tickets"`
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.log.Error("stats query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats query failed"})
		return
	}

	leaves, err := s.store.GetEvidenceLeafHashes(r.Context())
	if err != nil {
		s.log.Error("leaf query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "leaf query failed"})
		return
	}
	log := merkle.NewLog()
	for _, leaf := range leaves {
		log.AppendLeafHash(leaf)
	}

	// LatestRuns is newest-first, so the first row seen per control is its
	// most recent outcome.
	runs, err := s.store.LatestRuns(r.Context(), stats.RunCount)
	if err != nil {
		s.log.Error("run query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run query failed"})
		return
	}

	out := kpis{
		EvidenceCount: stats.EvidenceCount,
		RunCount:      stats.RunCount,
		EnvelopeCount: stats.EnvelopeCount,
	}
	if root, ok := log.Root(); ok {
		out.MerkleRoot = &root
	}

	seen := make(map[string]bool)
	for _, run := range runs {
		if seen[run.ControlID] {
			continue
		}
		seen[run.ControlID] = true
		out.ControlsMonitored++
		switch run.Status {
		case "pass":
			out.ControlsPassing++
		case "fail":
			out.ControlsFailing++
		default:
			out.ControlsErrored++
		}
		if run.TicketNumber != nil {
			out.OpenTickets++
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

// VerifyEnvelopeData re-verifies a persisted envelope payload against the
// public key it carries. The signature covers the canonical encoding of
// every field except the signature itself.
func VerifyEnvelopeData(data map[string]any) bool {
	sig, _ := data["signature"].(string)
	keyHex, _ := data["public_key"].(string)
	if sig == "" || keyHex == "" {
		return false
	}

	pub, err := hex.DecodeString(keyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		if k == "signature" {
			continue
		}
		payload[k] = v
	}
	raw, err := canonical.Bytes(payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, raw, sigBytes)
}
