package httpsig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{PolicyStrict, PolicyStandard, PolicyLenient} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
	}

	_, err := PolicyByName("paranoid")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestPolicyPresetOrdering(t *testing.T) {
	strict, standard, lenient := StrictPolicy(), StandardPolicy(), LenientPolicy()

	// Stricter presets demand more coverage and tighter freshness.
	assert.Greater(t, len(strict.RequiredComponents), len(standard.RequiredComponents))
	assert.Greater(t, len(standard.RequiredComponents), len(lenient.RequiredComponents))
	assert.Less(t, strict.MaxAge, standard.MaxAge)
	assert.Less(t, standard.MaxAge, lenient.MaxAge)
	assert.True(t, strict.RequireNonce)
	assert.True(t, standard.RequireNonce)
	assert.False(t, lenient.RequireNonce)
}

func TestPolicyEvaluate(t *testing.T) {
	now := time.Unix(1700000000, 0)

	fresh := func(components ...string) Params {
		return Params{
			Components: components,
			Created:    now.Add(-time.Minute),
			KeyID:      "k",
			Algorithm:  AlgorithmEd25519,
			Nonce:      "n-1",
		}
	}

	t.Run("satisfied policy reports no violation", func(t *testing.T) {
		missing, extra, violation := StandardPolicy().Evaluate(
			fresh(ComponentMethod, ComponentAuthority, ComponentPath), now)

		assert.Empty(t, missing)
		assert.Empty(t, extra)
		assert.Empty(t, violation)
	})

	t.Run("missing and extra are both recorded", func(t *testing.T) {
		missing, extra, violation := StandardPolicy().Evaluate(
			fresh(ComponentMethod, "content-type"), now)

		assert.Equal(t, []string{ComponentAuthority, ComponentPath}, missing)
		assert.Equal(t, []string{"content-type"}, extra)
		assert.Contains(t, violation, "required components")
	})

	t.Run("missing components outrank timing problems", func(t *testing.T) {
		p := fresh(ComponentMethod)
		p.Created = now.Add(-time.Hour)

		_, _, violation := StandardPolicy().Evaluate(p, now)
		assert.Contains(t, violation, "required components")
	})

	t.Run("created required when age bounded", func(t *testing.T) {
		p := fresh(ComponentMethod, ComponentAuthority, ComponentPath)
		p.Created = time.Time{}

		_, _, violation := StandardPolicy().Evaluate(p, now)
		assert.Equal(t, "created parameter required", violation)
	})

	t.Run("age bound enforced", func(t *testing.T) {
		p := fresh(ComponentMethod, ComponentAuthority, ComponentPath)
		p.Created = now.Add(-6 * time.Minute)

		_, _, violation := StandardPolicy().Evaluate(p, now)
		assert.Equal(t, "signature exceeds maximum age", violation)
	})

	t.Run("skew tolerated but not exceeded", func(t *testing.T) {
		p := fresh(ComponentMethod, ComponentAuthority, ComponentPath)

		p.Created = now.Add(30 * time.Second)
		_, _, violation := StandardPolicy().Evaluate(p, now)
		assert.Empty(t, violation)

		p.Created = now.Add(2 * time.Minute)
		_, _, violation = StandardPolicy().Evaluate(p, now)
		assert.Equal(t, "created timestamp is in the future", violation)
	})

	t.Run("expires honored when present", func(t *testing.T) {
		p := fresh(ComponentMethod, ComponentAuthority, ComponentPath)
		p.Expires = now.Add(-time.Second)

		_, _, violation := StandardPolicy().Evaluate(p, now)
		assert.Equal(t, "signature expired", violation)
	})

	t.Run("nonce rule differs per preset", func(t *testing.T) {
		p := fresh(ComponentMethod)
		p.Nonce = ""

		_, _, violation := LenientPolicy().Evaluate(p, now)
		assert.Empty(t, violation)

		p.Components = []string{ComponentMethod, ComponentAuthority, ComponentPath}
		_, _, violation = StandardPolicy().Evaluate(p, now)
		assert.Equal(t, "nonce parameter required", violation)
	})

	t.Run("strict demands a covered body digest", func(t *testing.T) {
		missing, _, violation := StrictPolicy().Evaluate(
			fresh(ComponentMethod, ComponentAuthority, ComponentPath), now)

		assert.Equal(t, []string{ComponentContentDigest}, missing)
		assert.Contains(t, violation, "required components")
	})
}
