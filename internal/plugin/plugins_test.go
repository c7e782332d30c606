package plugin

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/courier/pkg/types"
)

func TestEventPlugin_DispatchesByVariant(t *testing.T) {
	var calls []string
	p := NewEventPlugin(OnProcess, Handlers{
		Track: func(_ context.Context, e *types.Event, tr *types.Track) *types.Event {
			calls = append(calls, "track:"+tr.Event)
			return e
		},
		Identify: func(context.Context, *types.Event, *types.Identify) *types.Event {
			calls = append(calls, "identify")
			return nil
		},
	})

	ctx := context.Background()
	assert.NotNil(t, p.Intercept(ctx, types.NewEvent("a", &types.Track{Event: "buy"})))
	assert.Nil(t, p.Intercept(ctx, types.NewEvent("a", &types.Identify{})))
	screen := types.NewEvent("a", &types.Screen{Name: "home"})
	assert.Same(t, screen, p.Intercept(ctx, screen), "unhandled variants pass through")

	assert.Equal(t, []string{"track:buy", "identify"}, calls)
}

func TestLibraryInfo_AddsLibrary(t *testing.T) {
	c := NewChain(nil)
	require.NoError(t, c.Add(&LibraryInfo{Name: "courier-go", Version: "1.2.0"}))

	out := c.Process(context.Background(), types.NewEvent("a", &types.Track{Event: "x"}))
	assert.Equal(t, map[string]any{"name": "courier-go", "version": "1.2.0"}, out.Context["library"])
}

func TestLibraryInfo_CallerValuesWin(t *testing.T) {
	e := types.NewEvent("a", &types.Alias{PreviousID: "p"})
	e.Context["library"] = map[string]any{"name": "custom"}

	out := (&LibraryInfo{Name: "courier-go", Version: "1.2.0"}).Intercept(context.Background(), e)
	assert.Equal(t, map[string]any{"name": "custom", "version": "1.2.0"}, out.Context["library"])
}

func TestSampling_Bounds(t *testing.T) {
	all := NewSampling(1)
	none := NewSampling(0)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("device-%d", i)
		assert.True(t, all.Keep(id))
		assert.False(t, none.Keep(id))
	}
	assert.True(t, NewSampling(7).Keep("x"))
	assert.False(t, NewSampling(-1).Keep("x"))
}

func TestSampling_DeterministicPerIdentity(t *testing.T) {
	s := NewSampling(0.5)
	kept := 0
	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("device-%d", i)
		first := s.Keep(id)
		assert.Equal(t, first, s.Keep(id))
		if first {
			kept++
		}
	}
	assert.InDelta(t, 1000, kept, 200)

	e := types.NewEvent("device-1", &types.Track{Event: "x"})
	if s.Keep("device-1") {
		assert.NotNil(t, s.Intercept(context.Background(), e))
	} else {
		assert.Nil(t, s.Intercept(context.Background(), e))
	}
}
