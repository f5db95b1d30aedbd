// Package claims turns raw check results into signed claims. A claim is the
// agent's verifiable assertion about a control domain: a graded result, a
// confidence score, a plain-English opinion, caveats, and remediation
// recommendations, all signed with the agent's Ed25519 key.
package claims

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/checks"
	"github.com/meridian-labs/meridian/pkg/keys"
)

// Agent identity stamped on every claim.
const (
	AgentID      = "meridian-agent"
	AgentVersion = "2.0.0"
)

// DefaultTTLSeconds bounds claim validity to one run-cycle window.
const DefaultTTLSeconds = 86400

// Graded claim results.
type Result string

const (
	Satisfied     Result = "SATISFIED"
	NotSatisfied  Result = "NOT_SATISFIED"
	Partial       Result = "PARTIAL"
	Indeterminate Result = "INDETERMINATE"
	NotApplicable Result = "NOT_APPLICABLE"
)

// controlDomains maps control IDs to their OTVP domain paths.
var controlDomains = map[string]string{
	"LA.01": "identity_and_access.logical_access.new_access",
	"LA.02": "identity_and_access.logical_access.terminations",
	"LA.03": "identity_and_access.logical_access.user_access_review",
	"LA.04": "identity_and_access.logical_access.admin_access",
}

// DomainFor resolves the domain path for a control. Controls without an
// explicit mapping get a synthetic path derived from their ID.
func DomainFor(controlID string) string {
	if d, ok := controlDomains[controlID]; ok {
		return d
	}
	slug := strings.ReplaceAll(strings.ToLower(controlID), ".", "_")
	return "identity_and_access.logical_access." + slug
}

// Control is the metadata a claim needs about the control it asserts.
type Control struct {
	ID          string
	Name        string
	Description string
	Severity    string
}

// Claim is the signed assertion derived from one check result.
type Claim struct {
	ClaimID         string         `json:"claim_id"`
	Domain          string         `json:"domain"`
	Assertion       string         `json:"assertion"`
	Result          Result         `json:"result"`
	Confidence      float64        `json:"confidence"`
	EvidenceRefs    []string       `json:"evidence_refs"`
	Opinion         string         `json:"opinion"`
	Caveats         []string       `json:"caveats"`
	Recommendations []string       `json:"recommendations"`
	Scope           map[string]any `json:"scope"`
	ValidFrom       string         `json:"valid_from"`
	TTLSeconds      int            `json:"ttl_seconds"`
	AgentID         string         `json:"agent_id"`
	AgentVersion    string         `json:"agent_version"`
	Signature       string         `json:"signature"`
}

// SignableFields returns the claim as a map with the signature excluded;
// this is the payload that gets canonicalized and signed.
func (c Claim) SignableFields() map[string]any {
	return map[string]any{
		"claim_id":        c.ClaimID,
		"domain":          c.Domain,
		"assertion":       c.Assertion,
		"result":          string(c.Result),
		"confidence":      c.Confidence,
		"evidence_refs":   c.EvidenceRefs,
		"opinion":         c.Opinion,
		"caveats":         c.Caveats,
		"recommendations": c.Recommendations,
		"scope":           c.Scope,
		"valid_from":      c.ValidFrom,
		"ttl_seconds":     c.TTLSeconds,
		"agent_id":        c.AgentID,
		"agent_version":   c.AgentVersion,
	}
}

// Builder signs claims for one agent identity and realm.
type Builder struct {
	pair  *keys.Pair
	realm string
	clock func() time.Time
}

// NewBuilder returns a claim builder signing with the given keypair.
func NewBuilder(pair *keys.Pair, realm string) *Builder {
	return &Builder{pair: pair, realm: realm, clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build derives, populates, and signs a claim from a check result.
func (b *Builder) Build(res checks.Result, evidenceID string, ctrl Control, productIDs []string) (Claim, error) {
	confidence := Confidence(res, ctrl.ID)

	assertion := strings.TrimSpace(ctrl.Description)
	if assertion == "" {
		assertion = ctrl.Name
	}

	claim := Claim{
		ClaimID:         uuid.NewString(),
		Domain:          DomainFor(ctrl.ID),
		Assertion:       assertion,
		Result:          gradeResult(res.Status, confidence),
		Confidence:      confidence,
		EvidenceRefs:    []string{evidenceID},
		Opinion:         buildOpinion(res, ctrl.ID, ctrl.Name),
		Caveats:         buildCaveats(res, ctrl.ID),
		Recommendations: buildRecommendations(res, ctrl.ID),
		Scope: map[string]any{
			"environment": "production",
			"products":    productIDs,
			"systems":     []string{"keycloak"},
			"realm":       b.realm,
		},
		ValidFrom:    canonical.Timestamp(b.clock().UTC()),
		TTLSeconds:   DefaultTTLSeconds,
		AgentID:      AgentID,
		AgentVersion: AgentVersion,
	}

	sig, err := b.pair.Sign(claim.SignableFields())
	if err != nil {
		return Claim{}, fmt.Errorf("claims: sign: %w", err)
	}
	claim.Signature = sig
	return claim, nil
}

// Verify checks the claim signature against the given keypair.
func Verify(pair *keys.Pair, c Claim) bool {
	return pair.Verify(c.SignableFields(), c.Signature)
}

// Confidence derives a 0.0-1.0 score from the check result.
//
// error maps to 0.1 and pass to 1.0. A fail on a population control (LA.01,
// LA.02) scores the fraction of the population that passed; a fail on a
// binary control (LA.03, LA.04) scores 0.0.
func Confidence(res checks.Result, controlID string) float64 {
	switch res.Status {
	case checks.StatusError:
		return 0.1
	case checks.StatusPass:
		return 1.0
	}

	switch controlID {
	case "LA.01":
		checked := summaryInt(res.Summary, "recent_users_checked")
		missing := summaryInt(res.Summary, "missing_approval")
		if checked > 0 {
			return round4(1.0 - float64(missing)/float64(checked))
		}
		return 0.0
	case "LA.02":
		tracked := summaryInt(res.Summary, "disabled_users_with_sla_tracking")
		breaches := summaryInt(res.Summary, "sla_breaches")
		if tracked > 0 {
			return round4(1.0 - float64(breaches)/float64(tracked))
		}
		return 0.0
	}
	return 0.0
}

func gradeResult(status string, confidence float64) Result {
	switch status {
	case checks.StatusPass:
		return Satisfied
	case checks.StatusError:
		return Indeterminate
	case checks.StatusFail:
		if confidence > 0.0 && confidence < 1.0 {
			return Partial
		}
		return NotSatisfied
	}
	return Indeterminate
}

func buildOpinion(res checks.Result, controlID, controlName string) string {
	if res.Status == checks.StatusPass {
		return fmt.Sprintf("All checks for %s (%s) passed. No issues found.", controlID, controlName)
	}
	if res.Status == checks.StatusError {
		errMsg := summaryString(res.Summary, "error", "unknown error")
		return fmt.Sprintf("The agent encountered an error evaluating %s: %s. Results are inconclusive.",
			controlID, errMsg)
	}

	switch controlID {
	case "LA.01":
		return fmt.Sprintf(
			"Of %d account(s) provisioned in the last %d days, %d lack the '%s' approval attribute. "+
				"This indicates accounts provisioned outside the approved workflow.",
			summaryInt(res.Summary, "recent_users_checked"),
			summaryInt(res.Summary, "lookback_days"),
			summaryInt(res.Summary, "missing_approval"),
			summaryString(res.Summary, "required_attribute", "approvedBy"))
	case "LA.02":
		return fmt.Sprintf(
			"%d of %d terminated account(s) were not disabled within the %d-day SLA. "+
				"Delayed revocation leaves residual access active.",
			summaryInt(res.Summary, "sla_breaches"),
			summaryInt(res.Summary, "disabled_users_with_sla_tracking"),
			summaryInt(res.Summary, "sla_days"))
	case "LA.03":
		if res.Summary["days_since_uar"] == nil {
			return "No User Access Review completion date is recorded. The UAR is overdue."
		}
		return fmt.Sprintf(
			"The last User Access Review was completed %d days ago, exceeding the required cadence of every %d days.",
			summaryInt(res.Summary, "days_since_uar"),
			summaryInt(res.Summary, "max_days_since_uar"))
	case "LA.04":
		return fmt.Sprintf(
			"There are %d users with the '%s' role, exceeding the approved maximum of %d. "+
				"Excess privileged accounts expand blast radius.",
			summaryInt(res.Summary, "admin_count"),
			summaryString(res.Summary, "role_name", "admin"),
			summaryInt(res.Summary, "max_allowed"))
	}

	if res.ShortDescription != "" {
		return res.ShortDescription
	}
	return fmt.Sprintf("%s control check failed.", controlID)
}

func buildCaveats(res checks.Result, controlID string) []string {
	if res.Status == checks.StatusError {
		return []string{"Check failed with an error; evidence may be incomplete."}
	}
	if res.Status != checks.StatusFail {
		return []string{}
	}

	caveats := []string{}
	switch controlID {
	case "LA.01":
		caveats = append(caveats, fmt.Sprintf(
			"%d account(s) are missing the required approval attribute and may represent unauthorised access grants.",
			summaryInt(res.Summary, "missing_approval")))
	case "LA.02":
		for _, f := range res.Findings {
			caveats = append(caveats, fmt.Sprintf(
				"User '%s' is %d day(s) overdue for access revocation.",
				findingString(f, "username"), findingInt(f, "days_overdue")))
		}
	case "LA.03":
		if res.Summary["days_since_uar"] == nil {
			caveats = append(caveats, "No UAR completion date found in the realm configuration.")
		} else {
			overdue := summaryInt(res.Summary, "days_since_uar") - summaryInt(res.Summary, "max_days_since_uar")
			caveats = append(caveats, fmt.Sprintf("Access review is %d day(s) overdue.", overdue))
		}
	case "LA.04":
		excess := summaryInt(res.Summary, "admin_count") - summaryInt(res.Summary, "max_allowed")
		caveats = append(caveats, fmt.Sprintf(
			"%d excess privileged account(s) require immediate review and removal.", excess))
	}
	return caveats
}

var remediationPlaybook = map[string][]string{
	"LA.01": {
		"Audit provisioning workflow to enforce approval gates before account creation.",
		"Set the required 'approvedBy' attribute for all flagged accounts retroactively.",
		"Enable automated provisioning enforcement that blocks account creation without an approved request.",
	},
	"LA.02": {
		"Immediately disable access for all accounts past the SLA deadline.",
		"Implement automated deprovisioning triggered by termination events.",
		"Review and tighten the offboarding SLA with HR and IT operations.",
	},
	"LA.03": {
		"Complete a User Access Review immediately and record the date in realm attributes.",
		"Schedule quarterly UAR reminders and assign a named owner.",
		"Automate UAR initiation and tracking within the IAM platform.",
	},
	"LA.04": {
		"Immediately remove or downgrade excess privileged accounts.",
		"Implement a Just-in-Time (JIT) privileged access model.",
		"Establish a periodic admin account review cadence.",
	},
}

func buildRecommendations(res checks.Result, controlID string) []string {
	if res.Status != checks.StatusFail {
		return []string{}
	}
	if recs, ok := remediationPlaybook[controlID]; ok {
		return recs
	}
	return []string{"Review and remediate the identified control failure."}
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

func summaryInt(summary map[string]any, key string) int {
	switch v := summary[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func summaryString(summary map[string]any, key, fallback string) string {
	if v, ok := summary[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func findingString(f map[string]any, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return "?"
}

func findingInt(f map[string]any, key string) int {
	return summaryInt(f, key)
}
