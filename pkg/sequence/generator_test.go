package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "PAY-261019-001AB", FormatCode(PaymentPrefix, "261019", 1, "AB"))
	require.Equal(t, "PAY-261019-0ZZXY", FormatCode(PaymentPrefix, "261019", 1295, "XY"))
	require.Equal(t, "PAY-261019-1000", FormatCode(PaymentPrefix, "261019", 46656, "0"))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s, err := randomAlphaNumeric(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	require.NotContains(t, s, "O")
	require.NotContains(t, s, "1")
}
