// Package agent drives the control evaluation cycle: run each check, sign
// and persist the evidence, append it to the Merkle log, derive signed
// claims and trust envelopes, and open or reuse remediation tickets for
// failing controls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/checks"
	"github.com/meridian-labs/meridian/pkg/claims"
	"github.com/meridian-labs/meridian/pkg/config"
	"github.com/meridian-labs/meridian/pkg/envelope"
	"github.com/meridian-labs/meridian/pkg/keys"
	"github.com/meridian-labs/meridian/pkg/merkle"
	"github.com/meridian-labs/meridian/pkg/observability"
	"github.com/meridian-labs/meridian/pkg/store"
	"github.com/meridian-labs/meridian/pkg/ticket"
)

// Collector is the identity stamped into every evidence payload.
const Collector = "meridian-agent"

// Ticketer is the remediation ticketing surface the runner needs.
type Ticketer interface {
	CreateTicket(ctx context.Context, controlID, shortDescription, description, severity, evidenceID string) (ticket.Ticket, error)
	IsTicketOpen(ctx context.Context, sysID string) bool
}

// Deps bundles the collaborators of a Runner.
type Deps struct {
	Config   *config.Config
	Products []config.Product
	Checker  *checks.Checker
	Store    *store.Store
	Tickets  Ticketer
	Pair     *keys.Pair
	Log      *merkle.Log
	Obs      *observability.Provider
}

// Runner executes evaluation cycles over a fixed control catalog.
type Runner struct {
	cfg       *config.Config
	products  map[string][]string // control ID -> product IDs
	checker   *checks.Checker
	store     *store.Store
	tickets   Ticketer
	pair      *keys.Pair
	merkleLog *merkle.Log
	claims    *claims.Builder
	envelopes *envelope.Builder
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

// NewRunner wires a Runner from its dependencies.
func NewRunner(d Deps) *Runner {
	obs := d.Obs
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return &Runner{
		cfg:       d.Config,
		products:  config.ControlProducts(d.Products),
		checker:   d.Checker,
		store:     d.Store,
		tickets:   d.Tickets,
		pair:      d.Pair,
		merkleLog: d.Log,
		claims:    claims.NewBuilder(d.Pair, d.Config.Agent.Realm),
		envelopes: envelope.NewBuilder(d.Pair),
		obs:       obs,
		logger:    slog.With("component", "agent"),
		clock:     time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	r.claims.WithClock(clock)
	r.envelopes.WithClock(clock)
	return r
}

// RebuildMerkleLog reconstructs the in-memory evidence log from the
// persisted leaf hashes, in index order.
func RebuildMerkleLog(ctx context.Context, st *store.Store) (*merkle.Log, error) {
	leaves, err := st.GetEvidenceLeafHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: load leaf hashes: %w", err)
	}
	log := merkle.NewLog()
	for _, leaf := range leaves {
		log.AppendLeafHash(leaf)
	}
	return log, nil
}

// RunCycle evaluates every configured control once, in catalog order. A
// persistence failure aborts the cycle so the caller can re-establish the
// database connection; everything already persisted stays consistent with
// the in-memory Merkle log.
func (r *Runner) RunCycle(ctx context.Context) error {
	runStart := canonical.Timestamp(r.clock().UTC())
	r.logger.Info("starting control run", "controls", len(r.cfg.Controls))

	for _, ctrl := range r.cfg.Controls {
		if err := r.evaluateControl(ctx, ctrl, runStart); err != nil {
			return err
		}
	}

	root, _ := r.merkleLog.Root()
	r.logger.Info("run complete", "leaves", r.merkleLog.Count(), "root", abbrev(root))
	return nil
}

func (r *Runner) evaluateControl(ctx context.Context, ctrl config.Control, runStart string) error {
	ctx, done := r.obs.StartEvaluation(ctx, ctrl.ID)

	r.logger.Info("running control", "control_id", ctrl.ID, "check", ctrl.Check)

	result, err := r.checker.Run(ctx, ctrl.Check, checks.Params(ctrl.Params))
	if err != nil {
		// Config validation rejects unknown checks at startup; if one still
		// slips through, skip it rather than poison the cycle.
		r.logger.Error("skipping control with unknown check", "control_id", ctrl.ID, "check", ctrl.Check)
		done(checks.StatusError)
		return nil
	}
	defer done(result.Status)

	payload := map[string]any{
		"control_id":   ctrl.ID,
		"control_name": ctrl.Name,
		"check":        ctrl.Check,
		"collected_at": canonical.Timestamp(r.clock().UTC()),
		"collector":    Collector,
		"realm":        r.cfg.Agent.Realm,
		"status":       result.Status,
		"summary":      result.Summary,
	}

	sig, err := r.pair.Sign(payload)
	if err != nil {
		return fmt.Errorf("agent: sign evidence for %s: %w", ctrl.ID, err)
	}

	leafHash, err := r.merkleLog.Append(payload)
	if err != nil {
		return fmt.Errorf("agent: append evidence for %s: %w", ctrl.ID, err)
	}
	leafIndex := r.merkleLog.Count() - 1

	evidenceID, err := r.store.InsertEvidence(ctx, ctrl.ID, ctrl.Check,
		r.clock().UTC(), Collector, payload, sig, leafHash, leafIndex)
	if err != nil {
		// Keep the in-memory log consistent with what the store holds.
		r.merkleLog.RemoveLast()
		return fmt.Errorf("agent: persist evidence for %s: %w", ctrl.ID, err)
	}

	productIDs := r.products[ctrl.ID]

	claim, err := r.claims.Build(result, evidenceID, claims.Control{
		ID:          ctrl.ID,
		Name:        ctrl.Name,
		Description: ctrl.Description,
		Severity:    ctrl.Severity,
	}, productIDs)
	if err != nil {
		return fmt.Errorf("agent: build claim for %s: %w", ctrl.ID, err)
	}

	r.persistEnvelopes(ctx, ctrl, claim, productIDs, runStart)

	ticketNumber, ticketSysID := r.ensureTicket(ctx, ctrl, result, evidenceID)

	if err := r.store.InsertRun(ctx, ctrl.ID, result.Status, evidenceID,
		result.Summary, ticketNumber, ticketSysID); err != nil {
		return fmt.Errorf("agent: record run for %s: %w", ctrl.ID, err)
	}

	logArgs := []any{"control_id", ctrl.ID, "status", result.Status}
	if ticketNumber != nil {
		logArgs = append(logArgs, "ticket", *ticketNumber)
	}
	r.logger.Info("control evaluated", logArgs...)
	return nil
}

// persistEnvelopes builds and stores one signed envelope per product in
// scope. Envelope failures are logged and do not abort the control.
func (r *Runner) persistEnvelopes(ctx context.Context, ctrl config.Control, claim claims.Claim, productIDs []string, runStart string) {
	for _, pid := range productIDs {
		env, err := r.envelopes.Build(envelope.Control{
			ID:                ctrl.ID,
			Name:              ctrl.Name,
			FrameworkMappings: ctrl.FrameworkMappings,
		}, pid, []claims.Claim{claim}, r.merkleLog, runStart, envelope.DisclosureFull)
		if err != nil {
			r.logger.Error("envelope build failed", "control_id", ctrl.ID, "product_id", pid, "err", err)
			continue
		}

		fields := env.SignableFields()
		fields["signature"] = env.Signature
		data, err := canonical.Bytes(fields)
		if err != nil {
			r.logger.Error("envelope encode failed", "control_id", ctrl.ID, "product_id", pid, "err", err)
			continue
		}

		_, err = r.store.InsertTrustEnvelope(ctx, store.EnvelopeRecord{
			EnvelopeID:          env.EnvelopeID,
			ControlID:           env.ControlID,
			ProductID:           env.ProductID,
			TrustLevel:          string(env.TrustLevel),
			CompositeConfidence: env.CompositeConfidence,
			MerkleRoot:          env.EvidenceSummary.MerkleRoot,
			EnvelopeData:        data,
			Signature:           env.Signature,
		})
		if err != nil {
			r.logger.Error("envelope store failed", "control_id", ctrl.ID, "product_id", pid, "err", err)
			continue
		}

		r.logger.Info("envelope stored",
			"envelope_id", abbrev(env.EnvelopeID),
			"trust_level", env.TrustLevel,
			"control_id", ctrl.ID,
			"product_id", pid,
			"confidence", env.CompositeConfidence)
	}
}

// ensureTicket opens a remediation ticket for a failing control unless one
// from a previous run is still open. Ticketing failures never abort the
// control; the run row simply records no ticket.
func (r *Runner) ensureTicket(ctx context.Context, ctrl config.Control, result checks.Result, evidenceID string) (*string, *string) {
	if result.Status != checks.StatusFail {
		return nil, nil
	}

	last, err := r.store.GetLastTicket(ctx, ctrl.ID)
	if err == nil && last.SysID != "" && r.tickets.IsTicketOpen(ctx, last.SysID) {
		r.logger.Info("open ticket exists, skipping creation",
			"control_id", ctrl.ID, "ticket", last.Number)
		return &last.Number, &last.SysID
	}

	created, err := r.tickets.CreateTicket(ctx, ctrl.ID,
		result.ShortDescription, result.Description, ctrl.Severity, evidenceID)
	if err != nil {
		r.logger.Error("ticket creation failed", "control_id", ctrl.ID, "err", err)
		return nil, nil
	}

	r.obs.RecordTicket(ctx, ctrl.ID)
	return &created.Number, &created.SysID
}

func abbrev(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
