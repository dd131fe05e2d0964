package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelKey_RoundTrip(t *testing.T) {
	for _, key := range AllModelKeys() {
		asset, family, err := key.Split()
		require.NoError(t, err)
		assert.Equal(t, key, NewModelKey(asset, family))
	}
	assert.Len(t, AllModelKeys(), 6)
	assert.Equal(t, ModelKey("crypto_lstm"), NewModelKey(AssetCrypto, FamilySequence))
}

func TestModelKey_SplitInvalid(t *testing.T) {
	for _, key := range []ModelKey{"", "stocks", "stocks_", "bonds_xgb", "stocks_svm"} {
		_, _, err := key.Split()
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "key %q", key)
	}
}

func TestParseModelFamily(t *testing.T) {
	tests := []struct {
		in       string
		expected ModelFamily
		wantErr  bool
	}{
		{in: "xgboost", expected: FamilyTree},
		{in: "XGB", expected: FamilyTree},
		{in: "lstm", expected: FamilySequence},
		{in: "transformer", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelFamily(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("scoring: %w", &UpstreamUnavailableError{Service: "finbert", Err: cause})

	var upstream *UpstreamUnavailableError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "finbert", upstream.Service)
	assert.ErrorIs(t, err, cause)

	compute := &TransientComputeError{Item: "AAPL", Err: &ModelNotFoundError{Key: "stocks_xgb"}}
	var notFound *ModelNotFoundError
	assert.True(t, errors.As(compute, &notFound))
	assert.Equal(t, "no model loaded for stocks_xgb", notFound.Error())
}
