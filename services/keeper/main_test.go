package keeper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloseStackReleasesInReverse(t *testing.T) {
	events := &eventLog{}
	var stack closeStack
	stack.push(func() error { events.add("ledger_close"); return nil })
	stack.push(func() error { events.add("cache_close"); return errors.New("snapshot failed") })
	stack.push(func() error { events.add("journal_close"); return nil })

	require.ErrorContains(t, stack.release(), "snapshot failed")
	require.Equal(t, []string{"journal_close", "cache_close", "ledger_close"}, events.list())

	require.NoError(t, stack.release())
	require.Len(t, events.list(), 3)
}

func TestCloseStackDisarmed(t *testing.T) {
	closed := false
	var stack closeStack
	stack.push(func() error { closed = true; return nil })
	stack.disarm()

	require.NoError(t, stack.release())
	require.False(t, closed)
}
