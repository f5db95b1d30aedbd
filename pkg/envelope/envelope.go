// Package envelope builds signed trust envelopes. An envelope is the
// top-level output of the agent for one control and product combination: it
// wraps the signed claims, summarises the evidence behind them with the
// Merkle root, grades a composite trust level, and is itself signed.
package envelope

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/claims"
	"github.com/meridian-labs/meridian/pkg/keys"
	"github.com/meridian-labs/meridian/pkg/merkle"
)

// TrustLevel grades composite confidence into named bands.
type TrustLevel string

const (
	Verified TrustLevel = "VERIFIED" // >= 0.95
	High     TrustLevel = "HIGH"     // >= 0.75
	Medium   TrustLevel = "MEDIUM"   // >= 0.55
	Low      TrustLevel = "LOW"      // >= 0.30
	Critical TrustLevel = "CRITICAL" // <  0.30
)

// TrustLevelFor maps a composite confidence to its trust level band.
func TrustLevelFor(compositeConfidence float64) TrustLevel {
	switch {
	case compositeConfidence >= 0.95:
		return Verified
	case compositeConfidence >= 0.75:
		return High
	case compositeConfidence >= 0.55:
		return Medium
	case compositeConfidence >= 0.30:
		return Low
	default:
		return Critical
	}
}

// DisclosureLevel controls how much detail the envelope carries.
type DisclosureLevel string

const (
	DisclosureFull          DisclosureLevel = "FULL"
	DisclosureClaimsOnly    DisclosureLevel = "CLAIMS_ONLY"
	DisclosureZeroKnowledge DisclosureLevel = "ZERO_KNOWLEDGE"
)

// ValiditySeconds bounds envelope validity to one run-cycle window.
const ValiditySeconds = 86400

// EvidenceSummary describes the evidence log state behind an envelope.
// MerkleRoot is nil when the log is empty.
type EvidenceSummary struct {
	TotalItems            int      `json:"total_items"`
	MerkleRoot            *string  `json:"merkle_root"`
	CollectionWindowStart string   `json:"collection_window_start"`
	CollectionWindowEnd   string   `json:"collection_window_end"`
	DomainsCovered        []string `json:"domains_covered"`
}

func (s EvidenceSummary) fields() map[string]any {
	var root any
	if s.MerkleRoot != nil {
		root = *s.MerkleRoot
	}
	return map[string]any{
		"total_items":             s.TotalItems,
		"merkle_root":             root,
		"collection_window_start": s.CollectionWindowStart,
		"collection_window_end":   s.CollectionWindowEnd,
		"domains_covered":         s.DomainsCovered,
	}
}

// DomainScore aggregates the claims in one domain.
type DomainScore struct {
	Satisfied     int     `json:"satisfied"`
	Total         int     `json:"total"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// TrustEnvelope wraps signed claims with cryptographic provenance.
type TrustEnvelope struct {
	EnvelopeID          string                 `json:"envelope_id"`
	ControlID           string                 `json:"control_id"`
	ControlName         string                 `json:"control_name"`
	ProductID           string                 `json:"product_id"`
	Claims              []claims.Claim         `json:"claims"`
	EvidenceSummary     EvidenceSummary        `json:"evidence_summary"`
	TrustLevel          TrustLevel             `json:"trust_level"`
	CompositeConfidence float64                `json:"composite_confidence"`
	DomainScores        map[string]DomainScore `json:"domain_scores"`
	DisclosureLevel     DisclosureLevel        `json:"disclosure_level"`
	ValidFrom           string                 `json:"valid_from"`
	ValidUntil          string                 `json:"valid_until"`
	AgentID             string                 `json:"agent_id"`
	AgentVersion        string                 `json:"agent_version"`
	PublicKey           string                 `json:"public_key"`
	FrameworkMappings   map[string][]string    `json:"framework_mappings"`
	Signature           string                 `json:"signature"`
}

// SignableFields returns the envelope as a map with the signature excluded;
// this is the payload that gets canonicalized and signed.
func (e TrustEnvelope) SignableFields() map[string]any {
	claimDicts := make([]map[string]any, len(e.Claims))
	for i, c := range e.Claims {
		d := c.SignableFields()
		d["signature"] = c.Signature
		claimDicts[i] = d
	}
	return map[string]any{
		"envelope_id":          e.EnvelopeID,
		"control_id":           e.ControlID,
		"control_name":         e.ControlName,
		"product_id":           e.ProductID,
		"claims":               claimDicts,
		"evidence_summary":     e.EvidenceSummary.fields(),
		"trust_level":          string(e.TrustLevel),
		"composite_confidence": e.CompositeConfidence,
		"domain_scores":        e.DomainScores,
		"disclosure_level":     string(e.DisclosureLevel),
		"valid_from":           e.ValidFrom,
		"valid_until":          e.ValidUntil,
		"agent_id":             e.AgentID,
		"agent_version":        e.AgentVersion,
		"public_key":           e.PublicKey,
		"framework_mappings":   e.FrameworkMappings,
	}
}

// Control is the metadata an envelope needs about its control.
type Control struct {
	ID                string
	Name              string
	FrameworkMappings map[string][]string
}

// Builder signs envelopes for one agent keypair.
type Builder struct {
	pair  *keys.Pair
	clock func() time.Time
}

// NewBuilder returns an envelope builder signing with the given keypair.
func NewBuilder(pair *keys.Pair) *Builder {
	return &Builder{pair: pair, clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build constructs and signs an envelope for one control and product from
// the given claims, summarising the current state of the evidence log.
func (b *Builder) Build(
	ctrl Control,
	productID string,
	claimList []claims.Claim,
	log *merkle.Log,
	windowStart string,
	disclosure DisclosureLevel,
) (TrustEnvelope, error) {
	now := b.clock().UTC()
	validFrom := canonical.Timestamp(now)
	validUntil := canonical.Timestamp(now.Add(ValiditySeconds * time.Second))

	composite := 0.0
	if len(claimList) > 0 {
		sum := 0.0
		for _, c := range claimList {
			sum += c.Confidence
		}
		composite = round4(sum / float64(len(claimList)))
	}

	domainScores := computeDomainScores(claimList)
	domainsCovered := make([]string, 0, len(domainScores))
	for domain := range domainScores {
		domainsCovered = append(domainsCovered, domain)
	}
	sort.Strings(domainsCovered)

	var root *string
	if r, ok := log.Root(); ok {
		root = &r
	}

	mappings := ctrl.FrameworkMappings
	if mappings == nil {
		mappings = map[string][]string{}
	}

	env := TrustEnvelope{
		EnvelopeID:  uuid.NewString(),
		ControlID:   ctrl.ID,
		ControlName: ctrl.Name,
		ProductID:   productID,
		Claims:      claimList,
		EvidenceSummary: EvidenceSummary{
			TotalItems:            log.Count(),
			MerkleRoot:            root,
			CollectionWindowStart: windowStart,
			CollectionWindowEnd:   validFrom,
			DomainsCovered:        domainsCovered,
		},
		TrustLevel:          TrustLevelFor(composite),
		CompositeConfidence: composite,
		DomainScores:        domainScores,
		DisclosureLevel:     disclosure,
		ValidFrom:           validFrom,
		ValidUntil:          validUntil,
		AgentID:             claims.AgentID,
		AgentVersion:        claims.AgentVersion,
		PublicKey:           b.pair.PublicKeyHex(),
		FrameworkMappings:   mappings,
	}

	sig, err := b.pair.Sign(env.SignableFields())
	if err != nil {
		return TrustEnvelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Verify checks the envelope signature against the given keypair.
func Verify(pair *keys.Pair, e TrustEnvelope) bool {
	return pair.Verify(e.SignableFields(), e.Signature)
}

func computeDomainScores(claimList []claims.Claim) map[string]DomainScore {
	type acc struct {
		satisfied int
		total     int
		sum       float64
	}
	byDomain := map[string]*acc{}
	for _, c := range claimList {
		a, ok := byDomain[c.Domain]
		if !ok {
			a = &acc{}
			byDomain[c.Domain] = a
		}
		a.total++
		a.sum += c.Confidence
		if c.Result == claims.Satisfied {
			a.satisfied++
		}
	}

	scores := make(map[string]DomainScore, len(byDomain))
	for domain, a := range byDomain {
		avg := 0.0
		if a.total > 0 {
			avg = round4(a.sum / float64(a.total))
		}
		scores[domain] = DomainScore{Satisfied: a.satisfied, Total: a.total, AvgConfidence: avg}
	}
	return scores
}

func round4(v float64) float64 {
	scaled := v * 10000
	if scaled >= 0 {
		scaled += 0.5
	} else {
		scaled -= 0.5
	}
	return float64(int64(scaled)) / 10000
}
