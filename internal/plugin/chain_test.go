package plugin

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/courier/pkg/types"
)

// recorder appends its name to context "trail" so tests can observe order.
type recorder struct {
	name      string
	stage     Type
	setups    int
	teardowns int
	setupErr  error
}

func (r *recorder) Type() Type { return r.stage }

func (r *recorder) Setup(*Chain) error {
	r.setups++
	return r.setupErr
}

func (r *recorder) Teardown() { r.teardowns++ }

func (r *recorder) Intercept(_ context.Context, e *types.Event) *types.Event {
	trail, _ := e.Context["trail"].([]any)
	e.Context["trail"] = append(trail, r.name)
	return e
}

func trail(e *types.Event) []any {
	t, _ := e.Context["trail"].([]any)
	return t
}

func newEvent() *types.Event {
	return types.NewEvent("anon", &types.Track{Event: "opened"})
}

func TestChain_RunsTypesInOrder(t *testing.T) {
	c := NewChain(nil)
	require.NoError(t, c.Add(&recorder{name: "dest", stage: Destination}))
	require.NoError(t, c.Add(&recorder{name: "on1", stage: OnProcess}))
	require.NoError(t, c.Add(&recorder{name: "pre", stage: PreProcess}))
	require.NoError(t, c.Add(&recorder{name: "on2", stage: OnProcess}))
	require.NoError(t, c.Add(&recorder{name: "after", stage: After}))
	require.NoError(t, c.Add(&recorder{name: "manual", stage: Manual}))

	out := c.Process(context.Background(), newEvent())
	require.NotNil(t, out)
	assert.Equal(t, []any{"pre", "on1", "on2", "dest"}, trail(out))

	assert.Equal(t, []any{"after"}, trail(c.RunAfter(context.Background(), newEvent())))
	assert.Equal(t, []any{"manual"}, trail(c.RunManual(context.Background(), newEvent())))
}

func TestChain_PluginsReceiveCopies(t *testing.T) {
	c := NewChain(nil)
	var seen []*types.Event
	require.NoError(t, c.Add(&Func{Stage: PreProcess, Fn: func(_ context.Context, e *types.Event) *types.Event {
		seen = append(seen, e)
		e.Context["touched"] = true
		return e
	}}))

	in := newEvent()
	out := c.Process(context.Background(), in)

	require.Len(t, seen, 1)
	assert.NotSame(t, in, seen[0])
	assert.NotContains(t, in.Context, "touched")
	assert.Equal(t, true, out.Context["touched"])
}

func TestChain_NilDropsEvent(t *testing.T) {
	c := NewChain(nil)
	later := &recorder{name: "later", stage: Destination}
	require.NoError(t, c.Add(&Func{Stage: OnProcess, Fn: func(context.Context, *types.Event) *types.Event { return nil }}))
	require.NoError(t, c.Add(later))

	var reached bool
	require.NoError(t, c.Add(&Func{Stage: Destination, Fn: func(_ context.Context, e *types.Event) *types.Event {
		reached = true
		return e
	}}))

	assert.Nil(t, c.Process(context.Background(), newEvent()))
	assert.False(t, reached)
}

func TestChain_AddRemoveLifecycle(t *testing.T) {
	c := NewChain(nil)
	p := &recorder{name: "p", stage: OnProcess}

	require.NoError(t, c.Add(p))
	assert.Equal(t, 1, p.setups)
	assert.Len(t, c.Plugins(OnProcess), 1)

	assert.True(t, c.Remove(p))
	assert.False(t, c.Remove(p))
	assert.Equal(t, 1, p.teardowns)
	assert.Empty(t, c.Plugins(OnProcess))
}

func TestChain_SetupFailure(t *testing.T) {
	c := NewChain(nil)
	p := &recorder{stage: PreProcess, setupErr: fmt.Errorf("boom")}

	assert.Error(t, c.Add(p))
	assert.Empty(t, c.Plugins(PreProcess))
}

func TestChain_RemoveAllTearsDown(t *testing.T) {
	c := NewChain(nil)
	ps := []*recorder{{stage: PreProcess}, {stage: Destination}, {stage: Manual}}
	for _, p := range ps {
		require.NoError(t, c.Add(p))
	}

	c.RemoveAll()
	for _, p := range ps {
		assert.Equal(t, 1, p.teardowns)
	}
	assert.Empty(t, c.Plugins(Destination))
}

func TestChain_PanickingPluginIsSkipped(t *testing.T) {
	c := NewChain(nil)
	require.NoError(t, c.Add(&Func{Stage: PreProcess, Fn: func(context.Context, *types.Event) *types.Event {
		panic("bad plugin")
	}}))
	require.NoError(t, c.Add(&recorder{name: "next", stage: OnProcess}))

	out := c.Process(context.Background(), newEvent())
	require.NotNil(t, out)
	assert.Equal(t, []any{"next"}, trail(out))
}

func TestChain_ConcurrentAddDuringProcess(t *testing.T) {
	c := NewChain(nil)
	require.NoError(t, c.Add(&recorder{name: "base", stage: PreProcess}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			out := c.Process(context.Background(), newEvent())
			assert.NotNil(t, out)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p := &recorder{name: "x", stage: OnProcess}
			assert.NoError(t, c.Add(p))
			c.Remove(p)
		}
	}()
	wg.Wait()
	assert.Empty(t, c.Plugins(OnProcess))
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "pre_process", PreProcess.String())
	assert.Equal(t, "manual", Manual.String())
	assert.Equal(t, "unknown", Type(42).String())
}
