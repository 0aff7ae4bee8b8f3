package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventTypeValid(t *testing.T) {
	for _, typ := range EventTypes {
		require.True(t, typ.Valid(), typ)
	}
	require.False(t, EventType("task.deleted").Valid())
	require.False(t, EventType("").Valid())
}
