package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian/pkg/idp"
)

type fakeDirectory struct {
	users     []idp.User
	roleUsers map[string][]idp.User
	realm     idp.Realm
	err       error
}

func (f *fakeDirectory) ListUsers(context.Context) ([]idp.User, error) {
	return f.users, f.err
}

func (f *fakeDirectory) GetRoleUsers(_ context.Context, roleName string) ([]idp.User, error) {
	return f.roleUsers[roleName], f.err
}

func (f *fakeDirectory) GetRealm(context.Context) (idp.Realm, error) {
	return f.realm, f.err
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestChecker(dir Directory) *Checker {
	return NewChecker(dir).WithClock(func() time.Time { return testNow })
}

func enabledUser(id, username string, createdDaysAgo int, attrs map[string][]string) idp.User {
	enabled := true
	return idp.User{
		ID:               id,
		Username:         username,
		Enabled:          &enabled,
		CreatedTimestamp: testNow.AddDate(0, 0, -createdDaysAgo).UnixMilli(),
		Attributes:       attrs,
	}
}

func disabledUser(id, username string, attrs map[string][]string) idp.User {
	disabled := false
	return idp.User{ID: id, Username: username, Enabled: &disabled, Attributes: attrs}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		"admin_access_count",
		"new_access_no_approval",
		"quarterly_uar",
		"terminations_sla",
	}, Names())
	assert.True(t, IsRegistered("terminations_sla"))
	assert.False(t, IsRegistered("nonexistent"))

	_, err := newTestChecker(&fakeDirectory{}).Run(context.Background(), "nonexistent", nil)
	assert.ErrorIs(t, err, ErrUnknownCheck)
}

func TestNewAccessNoApproval_Pass(t *testing.T) {
	dir := &fakeDirectory{users: []idp.User{
		enabledUser("u1", "alice", 5, map[string][]string{"approvedBy": {"manager"}}),
		enabledUser("u2", "bob", 45, nil), // outside lookback window
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "new_access_no_approval", Params{})
	require.NoError(t, err)

	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 1, res.Summary["recent_users_checked"])
	assert.Equal(t, 0, res.Summary["missing_approval"])
	assert.Empty(t, res.Findings)
}

func TestNewAccessNoApproval_FailAndCounts(t *testing.T) {
	dir := &fakeDirectory{users: []idp.User{
		enabledUser("u1", "alice", 5, map[string][]string{"approvedBy": {"manager"}}),
		enabledUser("u2", "bob", 10, nil),
		enabledUser("u3", "carol", 2, map[string][]string{"department": {"eng"}}),
		disabledUser("u4", "dave", nil), // disabled accounts not in scope
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "new_access_no_approval",
		Params{"lookback_days": 30, "required_attribute": "approvedBy"})
	require.NoError(t, err)

	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 3, res.Summary["recent_users_checked"])
	assert.Equal(t, 2, res.Summary["missing_approval"])
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "bob", res.Findings[0]["username"])
	assert.Contains(t, res.ShortDescription, "2 new account(s) provisioned without approval record")
	assert.Contains(t, res.Description, "bob, carol")
}

func TestNewAccessNoApproval_DirectoryError(t *testing.T) {
	c := newTestChecker(&fakeDirectory{err: errors.New("connection refused")})

	res, err := c.Run(context.Background(), "new_access_no_approval", Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "connection refused", res.Summary["error"])
}

func TestTerminationsSLA_BreachesAndSkips(t *testing.T) {
	termDate := func(daysAgo int) string {
		return testNow.AddDate(0, 0, -daysAgo).Format("2006-01-02T15:04:05")
	}
	dir := &fakeDirectory{users: []idp.User{
		// 5 days past a 1-day SLA: 4 days overdue.
		disabledUser("u1", "gone1", map[string][]string{"terminationRequestDate": {termDate(5)}}),
		// Within SLA.
		disabledUser("u2", "gone2", map[string][]string{"terminationRequestDate": {termDate(1)}}),
		// Unparseable date: tracked but skipped.
		disabledUser("u3", "gone3", map[string][]string{"terminationRequestDate": {"not-a-date"}}),
		// Disabled without the tracking attribute: not tracked.
		disabledUser("u4", "gone4", nil),
		// Enabled users are out of scope.
		enabledUser("u5", "here", 100, map[string][]string{"terminationRequestDate": {termDate(10)}}),
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "terminations_sla", Params{"sla_days": 1})
	require.NoError(t, err)

	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 3, res.Summary["disabled_users_with_sla_tracking"])
	assert.Equal(t, 1, res.Summary["sla_breaches"])
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "gone1", res.Findings[0]["username"])
	assert.Equal(t, 5, res.Findings[0]["days_open"])
	assert.Equal(t, 4, res.Findings[0]["days_overdue"])
	assert.Contains(t, res.ShortDescription, "1 terminated account(s) breached the 1-day SLA (worst: 4d overdue)")
}

func TestTerminationsSLA_PassWhenNoneTracked(t *testing.T) {
	dir := &fakeDirectory{users: []idp.User{disabledUser("u1", "gone", nil)}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "terminations_sla", Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 0, res.Summary["disabled_users_with_sla_tracking"])
	assert.Equal(t, 0, res.Summary["sla_breaches"])
}

func TestQuarterlyUAR_Pass(t *testing.T) {
	dir := &fakeDirectory{realm: idp.Realm{
		Realm:      "master",
		Attributes: map[string]string{"lastUarCompletedDate": testNow.AddDate(0, 0, -30).Format("2006-01-02T15:04:05")},
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "quarterly_uar", Params{"max_days_since_uar": 90})
	require.NoError(t, err)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 30, res.Summary["days_since_uar"])
}

func TestQuarterlyUAR_MissingDateFails(t *testing.T) {
	dir := &fakeDirectory{realm: idp.Realm{Realm: "master"}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "quarterly_uar", Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	assert.Nil(t, res.Summary["last_uar_date"])
	assert.Nil(t, res.Summary["days_since_uar"])
	assert.Contains(t, res.ShortDescription, "No UAR completion date recorded")
}

func TestQuarterlyUAR_OverdueFails(t *testing.T) {
	dir := &fakeDirectory{realm: idp.Realm{
		Realm:      "master",
		Attributes: map[string]string{"lastUarCompletedDate": testNow.AddDate(0, 0, -120).Format("2006-01-02T15:04:05")},
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "quarterly_uar", Params{"max_days_since_uar": 90})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 120, res.Summary["days_since_uar"])
	assert.Contains(t, res.ShortDescription, "last completed 120 days ago (SLA: every 90 days)")
}

func TestQuarterlyUAR_BadDateIsError(t *testing.T) {
	dir := &fakeDirectory{realm: idp.Realm{
		Realm:      "master",
		Attributes: map[string]string{"lastUarCompletedDate": "soon"},
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "quarterly_uar", Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Summary["error"], "Invalid lastUarCompletedDate value")
}

func TestAdminAccessCount(t *testing.T) {
	dir := &fakeDirectory{roleUsers: map[string][]idp.User{
		"admin": {
			{ID: "u1", Username: "root1"},
			{ID: "u2", Username: "root2"},
		},
	}}
	c := newTestChecker(dir)

	res, err := c.Run(context.Background(), "admin_access_count", Params{"max_admins": 3})
	require.NoError(t, err)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 2, res.Summary["admin_count"])

	res, err = c.Run(context.Background(), "admin_access_count", Params{"max_admins": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, res.Status)
	require.Len(t, res.Findings, 2)
	assert.Contains(t, res.ShortDescription, "Admin account count (2) exceeds threshold (1)")
}

func TestAdminAccessCount_ErrorCarriesRole(t *testing.T) {
	c := newTestChecker(&fakeDirectory{err: errors.New("boom")})

	res, err := c.Run(context.Background(), "admin_access_count", Params{"role_name": "admin"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "admin", res.Summary["role_name"])
}
