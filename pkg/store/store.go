// Package store persists evidence, control runs, and trust envelopes.
//
// It speaks plain database/sql so the agent runs against Postgres in
// production and SQLite in tests. Every write commits in its own
// statement; a failed call leaves no partial row behind.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-labs/meridian/pkg/canonical"
)

// Dialect selects the DDL variant.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNotFound is returned by reads that match no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a single database connection. Single user; the cycle driver
// is the only writer.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// New wraps db. The caller owns the connection lifecycle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		log:     slog.With("component", "store"),
	}
}

// EnsureSchema creates the three relations and their indexes, then applies
// column migrations. Safe to run repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := ddlPostgres
	migrations := migrationsPostgres
	if s.dialect == DialectSQLite {
		ddl = ddlSQLite
		migrations = migrationsSQLite
	}

	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			s.log.Warn("migration skipped", "stmt", migration, "err", err)
		}
	}

	s.log.Info("schema ready", "dialect", string(s.dialect))
	return nil
}

// InsertEvidence stores one signed evidence row and returns its UUID.
// rawData is the canonical evidence payload structure.
func (s *Store) InsertEvidence(ctx context.Context, controlID, checkName string, collectedAt time.Time, collector string, rawData any, signature, merkleLeafHash string, merkleIndex int) (string, error) {
	raw, err := canonical.Bytes(rawData)
	if err != nil {
		return "", fmt.Errorf("store: encoding evidence: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence
			(id, control_id, check_name, collected_at, collector, raw_data,
			 signature, merkle_leaf_hash, merkle_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, controlID, checkName, canonical.Timestamp(collectedAt), collector,
		string(raw), signature, merkleLeafHash, merkleIndex,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert evidence: %w", err)
	}
	return id, nil
}

// InsertRun records the outcome of one control execution. Ticket references
// are nil when no ticket applies.
func (s *Store) InsertRun(ctx context.Context, controlID, status, evidenceID string, summary any, ticketNumber, ticketSysID *string) error {
	return s.InsertRunAt(ctx, controlID, time.Now(), status, evidenceID, summary, ticketNumber, ticketSysID)
}

// InsertRunAt is InsertRun with an explicit run timestamp; used when
// backfilling historical runs.
func (s *Store) InsertRunAt(ctx context.Context, controlID string, runAt time.Time, status, evidenceID string, summary any, ticketNumber, ticketSysID *string) error {
	sum, err := canonical.Bytes(summary)
	if err != nil {
		return fmt.Errorf("store: encoding run summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO control_runs
			(id, control_id, run_at, status, evidence_id, summary,
			 ticket_number, ticket_sys_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), controlID, canonical.Timestamp(runAt), status,
		evidenceID, string(sum), ticketNumber, ticketSysID,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// CountRunsWithPrefix counts run rows whose control ID starts with prefix.
func (s *Store) CountRunsWithPrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM control_runs WHERE control_id LIKE $1`,
		prefix+"%",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count runs: %w", err)
	}
	return n, nil
}

// EnvelopeRecord is the persisted shape of a signed trust envelope.
type EnvelopeRecord struct {
	EnvelopeID          string
	ControlID           string
	ProductID           string
	TrustLevel          string
	CompositeConfidence float64
	MerkleRoot          *string
	EnvelopeData        []byte // full serialized envelope, signature included
	Signature           string
}

// InsertTrustEnvelope persists a signed envelope and returns the row UUID.
func (s *Store) InsertTrustEnvelope(ctx context.Context, rec EnvelopeRecord) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_envelopes
			(id, envelope_id, control_id, product_id, created_at, trust_level,
			 composite_confidence, merkle_root, envelope_data, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, rec.EnvelopeID, rec.ControlID, rec.ProductID,
		canonical.Timestamp(time.Now()), rec.TrustLevel,
		rec.CompositeConfidence, rec.MerkleRoot, string(rec.EnvelopeData),
		rec.Signature,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert trust envelope: %w", err)
	}
	return id, nil
}

// TicketRef is the most recent ticket recorded for a control.
type TicketRef struct {
	Number string
	SysID  string
}

// GetLastTicket returns the newest non-null ticket reference for the
// control, or ErrNotFound.
func (s *Store) GetLastTicket(ctx context.Context, controlID string) (TicketRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_number, ticket_sys_id
		FROM   control_runs
		WHERE  control_id = $1 AND ticket_number IS NOT NULL
		ORDER BY run_at DESC
		LIMIT 1`,
		controlID,
	)

	var ref TicketRef
	var sysID sql.NullString
	if err := row.Scan(&ref.Number, &sysID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TicketRef{}, ErrNotFound
		}
		return TicketRef{}, fmt.Errorf("store: last ticket: %w", err)
	}
	ref.SysID = sysID.String
	return ref, nil
}

// GetEvidenceLeafHashes returns every persisted leaf hash strictly ordered
// by merkle_index ascending; used to reconstruct the Merkle log at startup.
func (s *Store) GetEvidenceLeafHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merkle_leaf_hash
		FROM   evidence
		WHERE  merkle_leaf_hash IS NOT NULL
		ORDER BY merkle_index ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: leaf hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: leaf hashes: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: leaf hashes: %w", err)
	}
	return hashes, nil
}

// MerkleIndexes returns the persisted merkle_index values in ascending
// order. The set must be dense {0 .. count-1}; gaps are a data error.
func (s *Store) MerkleIndexes(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merkle_index FROM evidence
		WHERE merkle_index IS NOT NULL
		ORDER BY merkle_index ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: merkle indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	idxs := make([]int, 0)
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, fmt.Errorf("store: merkle indexes: %w", err)
		}
		idxs = append(idxs, i)
	}
	return idxs, rows.Err()
}

// StoredEnvelope is a trust envelope row with its payload parsed.
type StoredEnvelope struct {
	EnvelopeID          string         `json:"envelope_id"`
	ControlID           string         `json:"control_id"`
	ProductID           string         `json:"product_id"`
	CreatedAt           string         `json:"created_at"`
	TrustLevel          string         `json:"trust_level"`
	CompositeConfidence float64        `json:"composite_confidence"`
	MerkleRoot          *string        `json:"merkle_root"`
	EnvelopeData        map[string]any `json:"envelope_data"`
	Signature           string         `json:"signature"`
}

// RunRecord is one persisted control execution outcome.
type RunRecord struct {
	ControlID    string         `json:"control_id"`
	RunAt        string         `json:"run_at"`
	Status       string         `json:"status"`
	Summary      map[string]any `json:"summary"`
	TicketNumber *string        `json:"ticket_number"`
	TicketSysID  *string        `json:"ticket_sys_id"`
}

// LatestRuns returns up to limit run rows, newest first.
func (s *Store) LatestRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT control_id, run_at, status, summary, ticket_number, ticket_sys_id
		FROM   control_runs
		ORDER BY run_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: latest runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		var summary sql.NullString
		var number, sysID sql.NullString
		if err := rows.Scan(&r.ControlID, &r.RunAt, &r.Status, &summary, &number, &sysID); err != nil {
			return nil, fmt.Errorf("store: latest runs: %w", err)
		}
		if summary.Valid && summary.String != "" && summary.String != "null" {
			if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
				return nil, fmt.Errorf("store: run summary: %w", err)
			}
		}
		if number.Valid {
			r.TicketNumber = &number.String
		}
		if sysID.Valid {
			r.TicketSysID = &sysID.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EvidenceRow is one persisted evidence item with its chain position.
type EvidenceRow struct {
	ID             string         `json:"id"`
	ControlID      string         `json:"control_id"`
	CheckName      string         `json:"check_name"`
	CollectedAt    string         `json:"collected_at"`
	Collector      string         `json:"collector"`
	RawData        map[string]any `json:"raw_data"`
	Signature      string         `json:"signature"`
	MerkleLeafHash string         `json:"merkle_leaf_hash"`
	MerkleIndex    int            `json:"merkle_index"`
}

// ListEvidence returns evidence rows in Merkle index order, capped at limit.
func (s *Store) ListEvidence(ctx context.Context, limit int) ([]EvidenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, control_id, check_name, collected_at, collector, raw_data,
		       signature, merkle_leaf_hash, merkle_index
		FROM   evidence
		ORDER BY merkle_index ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]EvidenceRow, 0, limit)
	for rows.Next() {
		var e EvidenceRow
		var raw string
		if err := rows.Scan(&e.ID, &e.ControlID, &e.CheckName, &e.CollectedAt,
			&e.Collector, &raw, &e.Signature, &e.MerkleLeafHash, &e.MerkleIndex); err != nil {
			return nil, fmt.Errorf("store: list evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.RawData); err != nil {
			return nil, fmt.Errorf("store: evidence %s payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats are whole-table row counts for the reporting surface.
type Stats struct {
	EvidenceCount int `json:"evidence_count"`
	RunCount      int `json:"run_count"`
	EnvelopeCount int `json:"envelope_count"`
}

// GetStats counts rows across the three relations.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM evidence),
		       (SELECT COUNT(*) FROM control_runs),
		       (SELECT COUNT(*) FROM trust_envelopes)`)
	if err := row.Scan(&st.EvidenceCount, &st.RunCount, &st.EnvelopeCount); err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// GetTrustEnvelopes returns the newest limit envelopes, newest first.
func (s *Store) GetTrustEnvelopes(ctx context.Context, limit int) ([]StoredEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_id, control_id, product_id, created_at, trust_level,
		       composite_confidence, merkle_root, envelope_data, signature
		FROM   trust_envelopes
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: trust envelopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]StoredEnvelope, 0, limit)
	for rows.Next() {
		var e StoredEnvelope
		var root sql.NullString
		var data string
		if err := rows.Scan(&e.EnvelopeID, &e.ControlID, &e.ProductID, &e.CreatedAt,
			&e.TrustLevel, &e.CompositeConfidence, &root, &data, &e.Signature); err != nil {
			return nil, fmt.Errorf("store: trust envelopes: %w", err)
		}
		if root.Valid {
			e.MerkleRoot = &root.String
		}
		if err := json.Unmarshal([]byte(data), &e.EnvelopeData); err != nil {
			return nil, fmt.Errorf("store: envelope %s payload: %w", e.EnvelopeID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
