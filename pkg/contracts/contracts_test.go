package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestABIMergesBothContracts(t *testing.T) {
	a, err := ABI()
	require.NoError(t, err)

	for _, name := range []string{PayForContent, ChargeSubscription, CreateAutopaySubscription, TopUpEscrow, CancelSubscription, ChargesRemaining} {
		m, ok := a.Methods[name]
		require.True(t, ok, "missing method %s", name)

		byID, err := a.MethodById(m.ID)
		require.NoError(t, err)
		assert.Equal(t, name, byID.Name)
	}
}
