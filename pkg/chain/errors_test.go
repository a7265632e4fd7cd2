package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestClassifyError tests the classification of chain errors into metric buckets
func TestClassifyError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantClass     string
	}{
		{"nil", nil, false, ""},
		{"network", errors.New("dial tcp: connection refused"), true, ErrorClassNetwork},
		{"deadline", errors.New("context deadline exceeded"), true, ErrorClassNetwork},
		{"gas", errors.New("gas price too low"), true, ErrorClassGas},
		{"nonce", errors.New("nonce too low"), true, ErrorClassNonce},
		{"funds", errors.New("insufficient funds for transfer"), false, ErrorClassInsufficientFunds},
		{"gas funds", errors.New("insufficient funds for gas * price + value"), true, ErrorClassGas},
		{"revert", errors.New("execution reverted: ERR-NOT-DUE"), false, ErrorClassContract},
		{"known", errors.New("already known"), false, ErrorClassAlreadyProcessed},
		{"other", errors.New("something odd"), true, ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transient, class := ClassifyError(tt.err)
			assert.Equal(t, tt.wantTransient, transient)
			assert.Equal(t, tt.wantClass, class)
		})
	}
}
