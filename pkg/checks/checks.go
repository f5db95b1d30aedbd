// Package checks holds the control check implementations. Each check reads
// identity data through the Directory interface, applies the control's rule,
// and returns a Result with the metrics that become evidence.
package checks

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/idp"
)

// Check statuses.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusError = "error"
)

// ErrUnknownCheck is returned when a control references a check name that
// is not registered.
var ErrUnknownCheck = fmt.Errorf("checks: unknown check name")

// Result is the outcome of one check execution.
type Result struct {
	Status   string
	Summary  map[string]any
	Findings []map[string]any

	// Ticket subject and body, set on fail only.
	ShortDescription string
	Description      string
}

// Params carries the per-control tuning knobs from controls.yaml.
type Params map[string]any

func (p Params) intOr(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (p Params) stringOr(key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Directory is the identity-provider surface the checks read from.
type Directory interface {
	ListUsers(ctx context.Context) ([]idp.User, error)
	GetRoleUsers(ctx context.Context, roleName string) ([]idp.User, error)
	GetRealm(ctx context.Context) (idp.Realm, error)
}

// Func is a registered check implementation.
type Func func(c *Checker, ctx context.Context, params Params) Result

var registry = map[string]Func{
	"new_access_no_approval": (*Checker).newAccessNoApproval,
	"terminations_sla":       (*Checker).terminationsSLA,
	"quarterly_uar":          (*Checker).quarterlyUAR,
	"admin_access_count":     (*Checker).adminAccessCount,
}

// IsRegistered reports whether name resolves to a check implementation.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names lists the registered check names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Checker binds the registered checks to a directory.
type Checker struct {
	dir   Directory
	clock func() time.Time
	log   *slog.Logger
}

// NewChecker builds a Checker over the given directory.
func NewChecker(dir Directory) *Checker {
	return &Checker{
		dir:   dir,
		clock: time.Now,
		log:   slog.With("component", "checks"),
	}
}

// WithClock overrides the time source. Used in tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// Run executes the named check. Unknown names return ErrUnknownCheck; all
// other failures surface as a Result with StatusError.
func (c *Checker) Run(ctx context.Context, name string, params Params) (Result, error) {
	fn, ok := registry[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
	}
	return fn(c, ctx, params), nil
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Summary: map[string]any{"error": err.Error()}}
}

// wholeDays is the floor of the elapsed time in 24h days, matching
// calendar-style "N days ago" arithmetic.
func wholeDays(from, to time.Time) int {
	return int(math.Floor(to.Sub(from).Hours() / 24))
}

// newAccessNoApproval implements LA.01: accounts created inside the lookback
// window must carry the approval attribute.
func (c *Checker) newAccessNoApproval(ctx context.Context, params Params) Result {
	lookbackDays := params.intOr("lookback_days", 30)
	requiredAttr := params.stringOr("required_attribute", "approvedBy")

	cutoffMs := c.clock().UTC().Add(-time.Duration(lookbackDays)*24*time.Hour).UnixNano() / int64(time.Millisecond)

	users, err := c.dir.ListUsers(ctx)
	if err != nil {
		c.log.Error("new_access_no_approval: failed to list users", "err", err)
		return errorResult(err)
	}

	recentChecked := 0
	var nonCompliant []map[string]any
	for _, u := range users {
		if !u.IsEnabled() || u.CreatedTimestamp < cutoffMs {
			continue
		}
		recentChecked++
		if _, ok := u.Attribute(requiredAttr); ok {
			continue
		}
		created := time.UnixMilli(u.CreatedTimestamp).UTC()
		nonCompliant = append(nonCompliant, map[string]any{
			"username": u.Username,
			"user_id":  u.ID,
			"created":  canonical.Timestamp(created),
		})
	}

	count := len(nonCompliant)
	summary := map[string]any{
		"lookback_days":        lookbackDays,
		"required_attribute":   requiredAttr,
		"recent_users_checked": recentChecked,
		"missing_approval":     count,
	}

	if count > 0 {
		names := joinField(nonCompliant, "username")
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: nonCompliant,
			ShortDescription: fmt.Sprintf(
				"LA.01: %d new account(s) provisioned without approval record", count),
			Description: fmt.Sprintf(
				"%d account(s) created in the last %d days lack the '%s' attribute.\nAffected: %s",
				count, lookbackDays, requiredAttr, names),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// terminationsSLA implements LA.02: disabled accounts with a termination
// request date must have been disabled within the SLA window.
func (c *Checker) terminationsSLA(ctx context.Context, params Params) Result {
	slaDays := params.intOr("sla_days", 1)
	termAttr := params.stringOr("termination_attribute", "terminationRequestDate")

	users, err := c.dir.ListUsers(ctx)
	if err != nil {
		c.log.Error("terminations_sla: failed to list users", "err", err)
		return errorResult(err)
	}

	now := c.clock().UTC()
	tracked := 0
	var breaches []map[string]any
	for _, u := range users {
		if u.IsEnabled() {
			continue
		}
		raw, ok := u.Attribute(termAttr)
		if !ok {
			continue // no SLA tracking attribute
		}
		tracked++

		termDate, err := canonical.ParseTimestamp(raw)
		if err != nil {
			c.log.Warn("terminations_sla: bad date", "value", raw, "username", u.Username)
			continue
		}

		daysOpen := wholeDays(termDate, now)
		if daysOpen > slaDays {
			breaches = append(breaches, map[string]any{
				"username":              u.Username,
				"user_id":               u.ID,
				"termination_requested": canonical.Timestamp(termDate),
				"days_open":             daysOpen,
				"days_overdue":          daysOpen - slaDays,
			})
		}
	}

	count := len(breaches)
	summary := map[string]any{
		"sla_days":                         slaDays,
		"disabled_users_with_sla_tracking": tracked,
		"sla_breaches":                     count,
	}

	if count > 0 {
		worst := 0
		for _, b := range breaches {
			if d := b["days_overdue"].(int); d > worst {
				worst = d
			}
		}
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: breaches,
			ShortDescription: fmt.Sprintf(
				"LA.02: %d terminated account(s) breached the %d-day SLA (worst: %dd overdue)",
				count, slaDays, worst),
			Description: fmt.Sprintf(
				"%d account(s) were not disabled within the %d-day SLA after termination request.\nAffected: %s",
				count, slaDays, joinField(breaches, "username")),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// quarterlyUAR implements LA.03: the realm-level user access review date
// must be within the review cadence.
func (c *Checker) quarterlyUAR(ctx context.Context, params Params) Result {
	maxDays := params.intOr("max_days_since_uar", 90)
	uarAttr := params.stringOr("uar_attribute", "lastUarCompletedDate")

	realm, err := c.dir.GetRealm(ctx)
	if err != nil {
		c.log.Error("quarterly_uar: failed to read realm", "err", err)
		return errorResult(err)
	}

	uarVal := realm.Attributes[uarAttr]
	if uarVal == "" {
		return Result{
			Status: StatusFail,
			Summary: map[string]any{
				"max_days_since_uar": maxDays,
				"uar_attribute":      uarAttr,
				"last_uar_date":      nil,
				"days_since_uar":     nil,
			},
			ShortDescription: "LA.03: No UAR completion date recorded — review overdue",
			Description: "No User Access Review completion date found in the realm attributes. " +
				"A UAR must be completed and the date recorded.",
		}
	}

	uarDate, err := canonical.ParseTimestamp(uarVal)
	if err != nil {
		return Result{Status: StatusError, Summary: map[string]any{
			"error": fmt.Sprintf("Invalid %s value: '%s'", uarAttr, uarVal),
		}}
	}

	daysSince := wholeDays(uarDate, c.clock().UTC())
	summary := map[string]any{
		"max_days_since_uar": maxDays,
		"uar_attribute":      uarAttr,
		"last_uar_date":      uarVal,
		"days_since_uar":     daysSince,
	}

	if daysSince > maxDays {
		return Result{
			Status:  StatusFail,
			Summary: summary,
			ShortDescription: fmt.Sprintf(
				"LA.03: UAR overdue — last completed %d days ago (SLA: every %d days)",
				daysSince, maxDays),
			Description: fmt.Sprintf(
				"The last User Access Review was completed %d days ago (%s). "+
					"The required cadence is every %d days.",
				daysSince, uarVal, maxDays),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// adminAccessCount implements LA.04: membership of the privileged role must
// not exceed the approved threshold.
func (c *Checker) adminAccessCount(ctx context.Context, params Params) Result {
	roleName := params.stringOr("role_name", "admin")
	maxAdmins := params.intOr("max_admins", 3)

	admins, err := c.dir.GetRoleUsers(ctx, roleName)
	if err != nil {
		c.log.Error("admin_access_count: could not fetch role users", "role", roleName, "err", err)
		return Result{Status: StatusError, Summary: map[string]any{
			"error":     err.Error(),
			"role_name": roleName,
		}}
	}

	count := len(admins)
	summary := map[string]any{
		"role_name":   roleName,
		"admin_count": count,
		"max_allowed": maxAdmins,
	}

	if count > maxAdmins {
		findings := make([]map[string]any, 0, count)
		for _, u := range admins {
			findings = append(findings, map[string]any{
				"username": u.Username,
				"user_id":  u.ID,
			})
		}
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: findings,
			ShortDescription: fmt.Sprintf(
				"LA.04: Admin account count (%d) exceeds threshold (%d)", count, maxAdmins),
			Description: fmt.Sprintf(
				"The realm has %d users with the '%s' role, exceeding the approved maximum of %d.",
				count, roleName, maxAdmins),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

func joinField(items []map[string]any, key string) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item[key].(string); ok {
			names = append(names, s)
		}
	}
	return strings.Join(names, ", ")
}
