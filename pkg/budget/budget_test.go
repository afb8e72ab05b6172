package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPresets(t *testing.T) {
	presets := DefaultPresets()

	t.Run("builtin_names", func(t *testing.T) {
		assert.Equal(t, []string{"deep", "moderate", "shallow"}, presets.Names())
	})

	t.Run("shallow_has_depth_one", func(t *testing.T) {
		b, err := presets.Get("Shallow")
		require.NoError(t, err)
		assert.Equal(t, 1, b.MaxDepth)
		assert.NoError(t, b.Validate())
	})

	t.Run("unknown_preset", func(t *testing.T) {
		_, err := presets.Get("bottomless")
		assert.Error(t, err)
	})

	t.Run("yaml_overrides_merge", func(t *testing.T) {
		var overrides map[string]Budget
		doc := `
shallow:
  max_depth: 2
  max_elapsed: 250ms
custom:
  max_nodes_visited: 5
`
		require.NoError(t, yaml.Unmarshal([]byte(doc), &overrides))
		merged, err := presets.WithOverrides(overrides)
		require.NoError(t, err)

		shallow, err := merged.Get("shallow")
		require.NoError(t, err)
		assert.Equal(t, 2, shallow.MaxDepth)
		assert.Equal(t, 250*time.Millisecond, shallow.MaxElapsed)
		assert.Equal(t, 1000, shallow.MaxNodesVisited)

		custom, err := merged.Get("custom")
		require.NoError(t, err)
		assert.Equal(t, 5, custom.MaxNodesVisited)

		// The source set is not modified
		orig, _ := presets.Get("shallow")
		assert.Equal(t, 1, orig.MaxDepth)
	})

	t.Run("invalid_override", func(t *testing.T) {
		_, err := presets.WithOverrides(map[string]Budget{"shallow": {MaxDepth: -1}})
		assert.Error(t, err)
	})
}

func TestTracker(t *testing.T) {
	t.Run("visits_never_exceed_limit", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{MaxNodesVisited: 3})
		granted := 0
		for i := 0; i < 10; i++ {
			if tr.Visit() {
				granted++
			}
		}
		assert.Equal(t, 3, granted)
		assert.Equal(t, 3, tr.Visited())
		assert.True(t, tr.Truncated())
		assert.True(t, tr.Stopped())
		assert.Equal(t, ReasonNodes, tr.Reason())
	})

	t.Run("zero_means_unbounded", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{})
		for i := 0; i < 1000; i++ {
			require.True(t, tr.Visit())
		}
		assert.True(t, tr.Descend(50))
		assert.True(t, tr.Emit())
		assert.False(t, tr.Truncated())
	})

	t.Run("depth_refusal_truncates_without_stopping", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{MaxDepth: 1})
		assert.True(t, tr.Descend(1))
		assert.False(t, tr.Descend(2))
		assert.True(t, tr.Truncated())
		assert.False(t, tr.Stopped())
		assert.True(t, tr.Visit())
		assert.Equal(t, ReasonDepth, tr.Reason())
	})

	t.Run("allows_does_not_truncate", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{MaxDepth: 1})
		assert.True(t, tr.Allows(1))
		assert.False(t, tr.Allows(2))
		assert.False(t, tr.Truncated())
		assert.Equal(t, 0, tr.Stats().Depth)

		assert.True(t, NewTracker(context.Background(), Budget{}).Allows(100))
	})

	t.Run("results_cap", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{MaxResults: 2})
		assert.True(t, tr.Emit())
		assert.True(t, tr.Emit())
		assert.False(t, tr.Truncated())
		assert.False(t, tr.Emit())
		assert.True(t, tr.Truncated())
		assert.Equal(t, 2, tr.Stats().Results)
	})

	t.Run("elapsed_time", func(t *testing.T) {
		tr := NewTracker(context.Background(), Budget{MaxElapsed: time.Millisecond})
		time.Sleep(5 * time.Millisecond)
		assert.False(t, tr.Visit())
		assert.Equal(t, ReasonElapsed, tr.Reason())
		assert.NoError(t, tr.Err())
	})

	t.Run("deadline_truncates", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		tr := NewTracker(ctx, Budget{})
		assert.False(t, tr.Check())
		assert.True(t, tr.Truncated())
		assert.Equal(t, ReasonDeadline, tr.Reason())
		assert.NoError(t, tr.Err())
	})

	t.Run("cancel_is_an_error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tr := NewTracker(ctx, Budget{})
		assert.False(t, tr.Visit())
		assert.ErrorIs(t, tr.Err(), context.Canceled)
		assert.False(t, tr.Truncated())
	})
}
