package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian/pkg/canonical"
	"github.com/meridian-labs/meridian/pkg/claims"
	"github.com/meridian-labs/meridian/pkg/keys"
	"github.com/meridian-labs/meridian/pkg/merkle"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T) (*Builder, *keys.Pair) {
	t.Helper()
	pair, err := keys.Generate()
	require.NoError(t, err)
	return NewBuilder(pair).WithClock(func() time.Time { return testNow }), pair
}

func testClaim(domain string, result claims.Result, confidence float64) claims.Claim {
	return claims.Claim{
		ClaimID:    "claim-" + domain,
		Domain:     domain,
		Result:     result,
		Confidence: confidence,
		Signature:  "sig",
	}
}

func TestTrustLevelFor(t *testing.T) {
	cases := []struct {
		confidence float64
		want       TrustLevel
	}{
		{1.0, Verified},
		{0.95, Verified},
		{0.9499, High},
		{0.75, High},
		{0.7499, Medium},
		{0.55, Medium},
		{0.5499, Low},
		{0.30, Low},
		{0.2999, Critical},
		{0.0, Critical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TrustLevelFor(tc.confidence), "confidence %v", tc.confidence)
	}
}

func TestBuild_CompositeAndDomainScores(t *testing.T) {
	b, pair := newTestBuilder(t)

	log := merkle.NewLog()
	_, err := log.Append(map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = log.Append(map[string]any{"n": 2})
	require.NoError(t, err)
	root, ok := log.Root()
	require.True(t, ok)

	claimList := []claims.Claim{
		testClaim("identity_and_access.logical_access.new_access", claims.Satisfied, 1.0),
		testClaim("identity_and_access.logical_access.terminations", claims.Partial, 0.3333),
	}

	env, err := b.Build(
		Control{ID: "LA.01", Name: "New Access Approval",
			FrameworkMappings: map[string][]string{"SOC2": {"CC6.1"}}},
		"payments-api", claimList, log, "2026-08-24T00:00:00.000000Z", DisclosureFull)
	require.NoError(t, err)

	assert.NotEmpty(t, env.EnvelopeID)
	assert.Equal(t, "LA.01", env.ControlID)
	assert.Equal(t, "payments-api", env.ProductID)

	// mean(1.0, 0.3333) = 0.66665 rounds to 0.6667
	assert.Equal(t, 0.6667, env.CompositeConfidence)
	assert.Equal(t, Medium, env.TrustLevel)

	require.Len(t, env.DomainScores, 2)
	assert.Equal(t, DomainScore{Satisfied: 1, Total: 1, AvgConfidence: 1.0},
		env.DomainScores["identity_and_access.logical_access.new_access"])
	assert.Equal(t, DomainScore{Satisfied: 0, Total: 1, AvgConfidence: 0.3333},
		env.DomainScores["identity_and_access.logical_access.terminations"])

	require.NotNil(t, env.EvidenceSummary.MerkleRoot)
	assert.Equal(t, root, *env.EvidenceSummary.MerkleRoot)
	assert.Equal(t, 2, env.EvidenceSummary.TotalItems)
	assert.Equal(t, "2026-08-24T00:00:00.000000Z", env.EvidenceSummary.CollectionWindowStart)
	assert.Equal(t, env.ValidFrom, env.EvidenceSummary.CollectionWindowEnd)
	assert.Equal(t, []string{
		"identity_and_access.logical_access.new_access",
		"identity_and_access.logical_access.terminations",
	}, env.EvidenceSummary.DomainsCovered)

	assert.Equal(t, canonical.Timestamp(testNow), env.ValidFrom)
	assert.Equal(t, canonical.Timestamp(testNow.Add(24*time.Hour)), env.ValidUntil)
	assert.Equal(t, pair.PublicKeyHex(), env.PublicKey)
	assert.Equal(t, map[string][]string{"SOC2": {"CC6.1"}}, env.FrameworkMappings)

	assert.True(t, Verify(pair, env))
}

func TestBuild_EmptyLogAndNoClaims(t *testing.T) {
	b, pair := newTestBuilder(t)

	env, err := b.Build(Control{ID: "LA.03", Name: "Quarterly UAR"},
		"P1", nil, merkle.NewLog(), canonical.Timestamp(testNow), DisclosureFull)
	require.NoError(t, err)

	assert.Nil(t, env.EvidenceSummary.MerkleRoot)
	assert.Equal(t, 0, env.EvidenceSummary.TotalItems)
	assert.Equal(t, 0.0, env.CompositeConfidence)
	assert.Equal(t, Critical, env.TrustLevel)
	assert.Empty(t, env.DomainScores)
	assert.Equal(t, map[string][]string{}, env.FrameworkMappings)
	assert.True(t, Verify(pair, env))
}

func TestVerify_BreaksOnMutation(t *testing.T) {
	b, pair := newTestBuilder(t)

	env, err := b.Build(Control{ID: "LA.04", Name: "Admin Access"},
		"P1", []claims.Claim{testClaim("d", claims.Satisfied, 1.0)},
		merkle.NewLog(), canonical.Timestamp(testNow), DisclosureFull)
	require.NoError(t, err)
	require.True(t, Verify(pair, env))

	env.TrustLevel = Critical
	assert.False(t, Verify(pair, env))
}
