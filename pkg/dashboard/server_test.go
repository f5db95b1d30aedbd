package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/checks"
	"github.com/meridian-labs/meridian/pkg/claims"
	"github.com/meridian-labs/meridian/pkg/envelope"
	"github.com/meridian-labs/meridian/pkg/keys"
	"github.com/meridian-labs/meridian/pkg/merkle"
	"github.com/meridian-labs/meridian/pkg/store"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// seeded carries everything a seeded reporting fixture produced.
type seeded struct {
	server *httptest.Server
	store  *store.Store
	pair   *keys.Pair
	log    *merkle.Log
}

// newSeeded stands up a SQLite-backed store with one passing and one
// failing control evaluated once each, envelopes signed for a single
// product, and the failing run holding a ticket reference.
func newSeeded(t *testing.T) *seeded {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db, store.DialectSQLite)
	require.NoError(t, st.EnsureSchema(context.Background()))

	pair, err := keys.Generate()
	require.NoError(t, err)

	log := merkle.NewLog()
	claimBuilder := claims.NewBuilder(pair, "corp").WithClock(func() time.Time { return testNow })
	envBuilder := envelope.NewBuilder(pair).WithClock(func() time.Time { return testNow })
	runStart := canonical.Timestamp(testNow)

	type fixture struct {
		controlID string
		check     string
		result    checks.Result
		ticket    *store.TicketRef
	}
	fixtures := []fixture{
		{
			controlID: "LA.01",
			check:     "new_access_no_approval",
			result: checks.Result{
				Status:  checks.StatusPass,
				Summary: map[string]any{"recent_users_checked": 3, "missing_approval": 0},
			},
		},
		{
			controlID: "LA.04",
			check:     "admin_access_count",
			result: checks.Result{
				Status:           checks.StatusFail,
				Summary:          map[string]any{"admin_count": 5, "max_admins": 3, "role_name": "admin"},
				ShortDescription: "LA.04: Admin account count (5) exceeds threshold (3)",
				Description:      "Privileged role membership exceeds the configured ceiling.",
			},
			ticket: &store.TicketRef{Number: "INC0000001", SysID: "sys-1"},
		},
	}

	for _, f := range fixtures {
		payload := map[string]any{
			"control_id":   f.controlID,
			"check":        f.check,
			"collected_at": canonical.Timestamp(testNow),
			"collector":    "meridian-agent",
			"realm":        "corp",
			"status":       f.result.Status,
			"summary":      f.result.Summary,
		}
		sig, err := pair.Sign(payload)
		require.NoError(t, err)
		leaf, err := log.Append(payload)
		require.NoError(t, err)

		evidenceID, err := st.InsertEvidence(context.Background(), f.controlID, f.check,
			testNow, "meridian-agent", payload, sig, leaf, log.Count()-1)
		require.NoError(t, err)

		claim, err := claimBuilder.Build(f.result, evidenceID, claims.Control{
			ID:       f.controlID,
			Name:     f.controlID + " control",
			Severity: "high",
		}, []string{"payments-api"})
		require.NoError(t, err)

		env, err := envBuilder.Build(envelope.Control{ID: f.controlID, Name: f.controlID + " control"},
			"payments-api", []claims.Claim{claim}, log, runStart, envelope.DisclosureFull)
		require.NoError(t, err)

		fields := env.SignableFields()
		fields["signature"] = env.Signature
		data, err := canonical.Bytes(fields)
		require.NoError(t, err)

		_, err = st.InsertTrustEnvelope(context.Background(), store.EnvelopeRecord{
			EnvelopeID:          env.EnvelopeID,
			ControlID:           env.ControlID,
			ProductID:           env.ProductID,
			TrustLevel:          string(env.TrustLevel),
			CompositeConfidence: env.CompositeConfidence,
			MerkleRoot:          env.EvidenceSummary.MerkleRoot,
			EnvelopeData:        data,
			Signature:           env.Signature,
		})
		require.NoError(t, err)

		var number, sysID *string
		if f.ticket != nil {
			number, sysID = &f.ticket.Number, &f.ticket.SysID
		}
		require.NoError(t, st.InsertRun(context.Background(), f.controlID,
			f.result.Status, evidenceID, f.result.Summary, number, sysID))
	}

	srv := httptest.NewServer(NewServer(st).Router())
	t.Cleanup(srv.Close)
	return &seeded{server: srv, store: st, pair: pair, log: log}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestEnvelopes_SignaturesVerify(t *testing.T) {
	s := newSeeded(t)

	var body struct {
		Result []envelopeView `json:"result"`
	}
	code := getJSON(t, s.server.URL+"/api/envelopes", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Result, 2)

	for _, env := range body.Result {
		assert.True(t, env.SignatureValid, "envelope %s", env.EnvelopeID)
		assert.Equal(t, "payments-api", env.ProductID)
		assert.NotNil(t, env.MerkleRoot)
	}
}

func TestEnvelopes_TamperedPayloadFailsVerification(t *testing.T) {
	s := newSeeded(t)

	// Re-sign nothing: store an envelope whose payload was mutated after
	// signing, as a compromised writer would.
	envs, err := s.store.GetTrustEnvelopes(context.Background(), 1)
	require.NoError(t, err)
	data := envs[0].EnvelopeData
	data["composite_confidence"] = 0.9999
	raw, err := canonical.Bytes(data)
	require.NoError(t, err)

	_, err = s.store.InsertTrustEnvelope(context.Background(), store.EnvelopeRecord{
		EnvelopeID:          "tampered-envelope",
		ControlID:           envs[0].ControlID,
		ProductID:           envs[0].ProductID,
		TrustLevel:          envs[0].TrustLevel,
		CompositeConfidence: 0.9999,
		MerkleRoot:          envs[0].MerkleRoot,
		EnvelopeData:        raw,
		Signature:           envs[0].Signature,
	})
	require.NoError(t, err)

	var body struct {
		Result []envelopeView `json:"result"`
	}
	getJSON(t, s.server.URL+"/api/envelopes", &body)

	byID := make(map[string]bool)
	for _, env := range body.Result {
		byID[env.EnvelopeID] = env.SignatureValid
	}
	assert.False(t, byID["tampered-envelope"])
}

func TestEvidence_LeafHashesVerify(t *testing.T) {
	s := newSeeded(t)

	var body struct {
		Result []evidenceView `json:"result"`
	}
	code := getJSON(t, s.server.URL+"/api/evidence", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Result, 2)

	assert.Equal(t, 0, body.Result[0].MerkleIndex)
	assert.Equal(t, 1, body.Result[1].MerkleIndex)
	for _, row := range body.Result {
		assert.True(t, row.LeafValid, "evidence %s", row.ID)
	}
}

func TestEvidence_MismatchedLeafFlagged(t *testing.T) {
	s := newSeeded(t)

	payload := map[string]any{"control_id": "LA.02", "status": "pass"}
	leaf, err := merkle.HashLeaf(map[string]any{"control_id": "LA.02", "status": "fail"})
	require.NoError(t, err)
	s.log.AppendLeafHash(leaf)
	_, err = s.store.InsertEvidence(context.Background(), "LA.02", "terminations_sla",
		testNow, "meridian-agent", payload, "sig", leaf, s.log.Count()-1)
	require.NoError(t, err)

	var body struct {
		Result []evidenceView `json:"result"`
	}
	getJSON(t, s.server.URL+"/api/evidence", &body)
	require.Len(t, body.Result, 3)
	assert.False(t, body.Result[2].LeafValid)
}

func TestRuns_NewestFirstWithTickets(t *testing.T) {
	s := newSeeded(t)

	var body struct {
		Result []store.RunRecord `json:"result"`
	}
	code := getJSON(t, s.server.URL+"/api/runs", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Result, 2)

	byControl := make(map[string]store.RunRecord)
	for _, run := range body.Result {
		byControl[run.ControlID] = run
	}
	assert.Equal(t, "pass", byControl["LA.01"].Status)
	assert.Nil(t, byControl["LA.01"].TicketNumber)
	assert.Equal(t, "fail", byControl["LA.04"].Status)
	require.NotNil(t, byControl["LA.04"].TicketNumber)
	assert.Equal(t, "INC0000001", *byControl["LA.04"].TicketNumber)
}

func TestKPIs(t *testing.T) {
	s := newSeeded(t)

	var got kpis
	code := getJSON(t, s.server.URL+"/api/kpis", &got)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, 2, got.EvidenceCount)
	assert.Equal(t, 2, got.RunCount)
	assert.Equal(t, 2, got.EnvelopeCount)
	assert.Equal(t, 2, got.ControlsMonitored)
	assert.Equal(t, 1, got.ControlsPassing)
	assert.Equal(t, 1, got.ControlsFailing)
	assert.Equal(t, 0, got.ControlsErrored)
	assert.Equal(t, 1, got.OpenTickets)

	root, ok := s.log.Root()
	require.True(t, ok)
	require.NotNil(t, got.MerkleRoot)
	assert.Equal(t, root, *got.MerkleRoot)
}

func TestHealth(t *testing.T) {
	s := newSeeded(t)

	var body map[string]string
	code := getJSON(t, s.server.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ServiceName, body["service"])
}
