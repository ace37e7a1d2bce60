package obs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger_BuildsBothModes(t *testing.T) {
	prod, err := NewLogger(false)
	require.NoError(t, err)
	require.NotNil(t, prod)

	dbg, err := NewLogger(true)
	require.NoError(t, err)
	require.NotNil(t, dbg)
}
