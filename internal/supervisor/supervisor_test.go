package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestSpawnAllStartsEveryServerInOrder(t *testing.T) {
	sup := New(discardLogger(), time.Second)
	specs := []ServerSpec{
		{Name: "s0", Argv: []string{"sh", "-c", "cat >/dev/null"}},
		{Name: "s1", Argv: []string{"sh", "-c", "cat >/dev/null"}},
	}

	eps, err := sup.SpawnAll(specs)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	require.Equal(t, 0, eps[0].Index)
	require.Equal(t, "s0", eps[0].Name)
	require.Equal(t, 1, eps[1].Index)
	require.Equal(t, "s1", eps[1].Name)

	for _, ep := range eps {
		require.NoError(t, ep.Close())
	}
	sup.Wait()
}

func TestSpawnAllFailsAndKillsSiblingsOnBadCommand(t *testing.T) {
	sup := New(discardLogger(), time.Second)
	specs := []ServerSpec{
		{Name: "good", Argv: []string{"sh", "-c", "cat >/dev/null"}},
		{Name: "bad", Argv: []string{"/no/such/executable-rass-test"}},
	}

	_, err := sup.SpawnAll(specs)
	require.Error(t, err)

	results := sup.Wait()
	require.Len(t, results, 1) // only "good" ever started
}

func TestSpawnEmptyArgvFails(t *testing.T) {
	sup := New(discardLogger(), time.Second)
	_, err := sup.spawn(0, ServerSpec{Name: "empty"})
	require.Error(t, err)
}

func TestWaitKillsStragglerAfterGrace(t *testing.T) {
	sup := New(discardLogger(), 50*time.Millisecond)
	eps, err := sup.SpawnAll([]ServerSpec{
		{Name: "stubborn", Argv: []string{"sh", "-c", "trap '' TERM; sleep 30"}},
	})
	require.NoError(t, err)
	require.Len(t, eps, 1)

	start := time.Now()
	results := sup.Wait()
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 1)
}
