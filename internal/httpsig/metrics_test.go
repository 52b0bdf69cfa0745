package httpsig

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveVerification(t *testing.T) {
	kp := testKeyPair(t, 0x42)

	directory := NewKeyDirectory()
	require.NoError(t, directory.Register("client-1", kp.Public))

	reg := prometheus.NewRegistry()
	metrics := newMetricsWithRegistry(reg)

	verifier, err := NewVerifier(directory, &VerifierOptions{Metrics: metrics})
	require.NoError(t, err)

	signer, err := NewSigner("client-1", kp, nil)
	require.NoError(t, err)

	// One valid verification.
	req := httptest.NewRequest("POST", "https://example.com/api", nil)
	_, err = signer.SignRequest(req)
	require.NoError(t, err)

	res, err := verifier.VerifyRequest(req)
	require.NoError(t, err)
	require.True(t, res.Valid)

	// One crypto failure.
	req.URL.Path = "/tampered"
	res, err = verifier.VerifyRequest(req)
	require.NoError(t, err)
	require.False(t, res.Valid)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.verificationsTotal.WithLabelValues("valid", string(StageDecision))))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.verificationsTotal.WithLabelValues("invalid", string(StageCrypto))))

	// Stage histograms observed at least the four shared stages.
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.stageDuration), 4)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.verifyDuration))
}
