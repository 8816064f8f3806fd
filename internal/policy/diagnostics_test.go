package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func names(i int) string {
	if i == 0 {
		return "clangd"
	}
	return "gopls"
}

func TestAggregator_StaleVersionDropped(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, time.Second, false, names)
	now := time.Unix(0, 0)

	res := a.Update(0, PublishDiagnosticsParams{URI: "file:///a.go", Version: intp(3)}, now, time.Time{})
	require.False(t, res.Stale)

	res = a.Update(0, PublishDiagnosticsParams{URI: "file:///a.go", Version: intp(2)}, now, time.Time{})
	require.True(t, res.Stale)
}

func TestAggregator_FirstUpdateSchedulesOneFlush(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, time.Second, false, names)
	now := time.Unix(0, 0)

	first := a.Update(0, PublishDiagnosticsParams{URI: "file:///a.go", Version: intp(1)}, now, time.Time{})
	require.True(t, first.ShouldFlush)

	second := a.Update(1, PublishDiagnosticsParams{URI: "file:///a.go", Version: intp(1)}, now, time.Time{})
	require.False(t, second.ShouldFlush, "flush already pending; should coalesce")
}

func TestAggregator_FlushMergesAcrossServersWithMaxVersion(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, time.Second, false, names)
	now := time.Unix(0, 0)

	a.Update(0, PublishDiagnosticsParams{
		URI:         "file:///a.go",
		Version:     intp(4),
		Diagnostics: []Diagnostic{{Message: "unused variable"}},
	}, now, time.Time{})
	a.Update(1, PublishDiagnosticsParams{
		URI:         "file:///a.go",
		Version:     intp(7),
		Diagnostics: []Diagnostic{{Message: "missing import"}},
	}, now, time.Time{})

	merged, ok := a.Flush("file:///a.go")
	require.True(t, ok)
	require.Len(t, merged.Diagnostics, 2)
	require.Equal(t, "unused variable", merged.Diagnostics[0].Message)
	require.Equal(t, "clangd", merged.Diagnostics[0].Source)
	require.Equal(t, "gopls", merged.Diagnostics[1].Source)
	require.NotNil(t, merged.Version)
	require.Equal(t, 7, *merged.Version)
}

func TestAggregator_FlushOmitsVersionWhenAnySourceLacksOne(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, time.Second, false, names)
	now := time.Unix(0, 0)

	a.Update(0, PublishDiagnosticsParams{URI: "file:///b.go", Version: intp(1)}, now, time.Time{})
	a.Update(1, PublishDiagnosticsParams{URI: "file:///b.go"}, now, time.Time{}) // no version

	merged, ok := a.Flush("file:///b.go")
	require.True(t, ok)
	require.Nil(t, merged.Version)
}

func TestAggregator_TardyDiagnosticsDroppedWhenDropTardyEnabled(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, 1000*time.Millisecond, true, names)
	triggeredAt := time.Unix(0, 0)
	late := triggeredAt.Add(2 * time.Second)

	res := a.Update(0, PublishDiagnosticsParams{URI: "file:///a.go", Version: intp(1)}, late, triggeredAt)
	require.True(t, res.Stale)

	_, ok := a.Flush("file:///a.go")
	require.True(t, ok) // uriState exists but has no slots recorded
}

func TestAggregator_SourceDefaultsToServerNameWhenAbsent(t *testing.T) {
	a := NewAggregator(50*time.Millisecond, time.Second, false, names)
	now := time.Unix(0, 0)

	a.Update(1, PublishDiagnosticsParams{
		URI:         "file:///c.go",
		Diagnostics: []Diagnostic{{Message: "x", Source: "already-set"}, {Message: "y"}},
	}, now, time.Time{})

	merged, _ := a.Flush("file:///c.go")
	require.Equal(t, "already-set", merged.Diagnostics[0].Source)
	require.Equal(t, "gopls", merged.Diagnostics[1].Source)
}
