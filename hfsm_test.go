package hfsm_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statemind/hfsm"
	"github.com/statemind/hfsm/pkg/diagram"
)

// Trace records callback invocations so tests can assert ordering.
type Trace struct {
	mutex sync.Mutex
	calls []string
}

func (trace *Trace) add(name string) {
	trace.mutex.Lock()
	defer trace.mutex.Unlock()
	trace.calls = append(trace.calls, name)
}

func (trace *Trace) take() []string {
	trace.mutex.Lock()
	defer trace.mutex.Unlock()
	return slices.Clone(trace.calls)
}

func (trace *Trace) reset() {
	trace.mutex.Lock()
	defer trace.mutex.Unlock()
	trace.calls = nil
}

func record(trace *Trace, name string) hfsm.ActionFunc {
	return func(ctx context.Context, other hfsm.StateKind, event hfsm.Event) {
		trace.add(name)
	}
}

func apply(t *testing.T, machine *hfsm.Machine, eventKind hfsm.EventKind) hfsm.StateOfMind {
	t.Helper()
	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: eventKind})
	require.NoError(t, result.Err)
	return result.Mind
}

// assertWellFormed checks the configuration invariants: every active path runs
// from a top level state to a leaf, and any two distinct paths diverge at a
// concurrent node.
func assertWellFormed(t *testing.T, machine *hfsm.Machine) {
	t.Helper()
	model := machine.Model()
	paths := machine.StateOfMind().Paths()
	for _, statePath := range paths {
		require.NotEmpty(t, statePath)
		leaf, ok := model.Lookup(statePath.Leaf())
		require.True(t, ok, "leaf %q not registered", statePath.Leaf())
		require.True(t, leaf.IsLeaf(), "path %q does not end at a leaf", statePath)
		chain := make([]hfsm.StateKind, 0, len(statePath))
		for node := leaf; node != nil && node.Parent() != nil; node = node.Parent() {
			chain = append(chain, node.Kind())
		}
		slices.Reverse(chain)
		require.Equal(t, []hfsm.StateKind(statePath), chain, "path %q does not match the tree", statePath)
	}
	for i := range paths {
		for j := i + 1; j < len(paths); j++ {
			a, b := paths[i], paths[j]
			k := 0
			for k < len(a) && k < len(b) && a[k] == b[k] {
				k++
			}
			require.Greater(t, k, 0, "paths %q and %q diverge at the root", a, b)
			fork, ok := model.Lookup(a[k-1])
			require.True(t, ok)
			require.Equal(t, hfsm.ModeConcurrent, fork.Mode(),
				"paths %q and %q diverge at non-concurrent %q", a, b, a[k-1])
		}
	}
}

func thermoModel() hfsm.Model {
	return hfsm.Define("thermo",
		hfsm.Initial("Solid"),
		hfsm.State("Solid",
			hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid")),
		),
		hfsm.State("Liquid",
			hfsm.Transition(hfsm.On("Vaporized"), hfsm.Target("Gas")),
		),
		hfsm.State("Gas"),
	)
}

func playerModel(effects *atomic.Int64, trace *Trace, extras ...hfsm.RedefinableElement) hfsm.Model {
	parts := append(extras,
		hfsm.Initial("Idle"),
		hfsm.State("Idle",
			hfsm.Fork(hfsm.On("Start"), hfsm.Targets("AudioOn", "VideoOn"),
				hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
					effects.Add(1)
				})),
		),
		hfsm.State("Running", hfsm.Concurrent(),
			hfsm.Entry(record(trace, "enter:Running")),
			hfsm.Exit(record(trace, "exit:Running")),
			hfsm.State("Audio",
				hfsm.Entry(record(trace, "enter:Audio")),
				hfsm.Exit(record(trace, "exit:Audio")),
				hfsm.State("AudioOn",
					hfsm.Entry(record(trace, "enter:AudioOn")),
					hfsm.Transition(hfsm.On("MuteAudio"), hfsm.Target("AudioOff")),
				),
				hfsm.State("AudioOff",
					hfsm.Exit(record(trace, "exit:AudioOff")),
					hfsm.Join(hfsm.On("Stop"), hfsm.Target("Idle")),
				),
			),
			hfsm.State("Video",
				hfsm.Entry(record(trace, "enter:Video")),
				hfsm.Exit(record(trace, "exit:Video")),
				hfsm.State("VideoOn",
					hfsm.Entry(record(trace, "enter:VideoOn")),
					hfsm.Transition(hfsm.On("StopVideo"), hfsm.Target("VideoOff")),
				),
				hfsm.State("VideoOff",
					hfsm.Exit(record(trace, "exit:VideoOff")),
					hfsm.Join(hfsm.On("Stop"), hfsm.Target("Idle")),
				),
			),
		),
	)
	return hfsm.Define("player", parts...)
}

func TestLinear(t *testing.T) {
	model := thermoModel()
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	require.True(t, machine.IsIn("Solid"))
	assertWellFormed(t, machine)

	apply(t, machine, "Melted")
	require.True(t, machine.IsIn("Liquid"))
	require.False(t, machine.IsIn("Solid"))
	assertWellFormed(t, machine)

	apply(t, machine, "Vaporized")
	require.True(t, machine.IsIn("Gas"))
	require.False(t, machine.IsIn("Solid"))
	require.False(t, machine.IsIn("Liquid"))
	assertWellFormed(t, machine)
}

func TestGuardOrdering(t *testing.T) {
	model := hfsm.Define("heating",
		hfsm.Initial("Solid"),
		hfsm.State("Solid",
			hfsm.Transition(hfsm.On("Heat"), hfsm.Target("Boiling"),
				hfsm.Guard(func(ctx context.Context, event hfsm.Event) bool {
					return event.Data.(int) > 100
				})),
			hfsm.Transition(hfsm.On("Heat"), hfsm.Target("Liquid"),
				hfsm.Guard(func(ctx context.Context, event hfsm.Event) bool {
					return event.Data.(int) > 0
				})),
		),
		hfsm.State("Liquid"),
		hfsm.State("Boiling"),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Heat", Data: 50})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("Liquid"))

	machine, err = hfsm.New(&model)
	require.NoError(t, err)
	result = <-machine.Apply(context.Background(), hfsm.Event{Kind: "Heat", Data: 150})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("Boiling"))
}

func TestAncestorFallback(t *testing.T) {
	trace := &Trace{}
	model := hfsm.Define("nested",
		hfsm.Initial("Soft"),
		hfsm.State("Solid",
			hfsm.Exit(record(trace, "exit:Solid")),
			hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid")),
			hfsm.State("Soft",
				hfsm.Exit(record(trace, "exit:Soft")),
				hfsm.Transition(hfsm.On("Hardened"), hfsm.Target("Hard")),
			),
			hfsm.State("Hard"),
		),
		hfsm.State("Liquid",
			hfsm.Entry(record(trace, "enter:Liquid")),
		),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)
	require.True(t, machine.IsIn("Soft"))
	require.True(t, machine.IsIn("Solid"))

	apply(t, machine, "Melted")
	require.True(t, machine.IsIn("Liquid"))
	require.False(t, machine.IsIn("Solid"))
	require.False(t, machine.IsIn("Soft"))
	require.Equal(t, []string{"exit:Soft", "exit:Solid", "enter:Liquid"}, trace.take())
	assertWellFormed(t, machine)
}

func TestForkEntersAllRegions(t *testing.T) {
	var effects atomic.Int64
	trace := &Trace{}
	observed := &Trace{}
	model := playerModel(&effects, trace,
		hfsm.Observe(func(ctx context.Context, from hfsm.StateKind, event hfsm.Event, to hfsm.StateKind) {
			observed.add(string(from) + "-" + string(event.Kind) + "-" + string(to))
		}))

	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	mind := apply(t, machine, "Start")
	require.Len(t, mind.Paths(), 2)
	require.True(t, machine.IsIn("Running"))
	require.True(t, machine.IsIn("AudioOn"))
	require.True(t, machine.IsIn("VideoOn"))
	assertWellFormed(t, machine)

	require.Equal(t, int64(1), effects.Load())
	require.Equal(t, []string{"Idle-Start-AudioOn", "Idle-Start-VideoOn"}, observed.take())
	require.Equal(t, []string{
		"enter:Running", "enter:Audio", "enter:Video", "enter:AudioOn", "enter:VideoOn",
	}, trace.take())
}

func TestConcurrentRegionLocalEvent(t *testing.T) {
	var effects atomic.Int64
	trace := &Trace{}
	model := playerModel(&effects, trace)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	apply(t, machine, "Start")
	trace.reset()

	mind := apply(t, machine, "MuteAudio")
	require.Len(t, mind.Paths(), 2)
	require.True(t, machine.IsIn("AudioOff"))
	require.True(t, machine.IsIn("VideoOn"))
	require.False(t, machine.IsIn("AudioOn"))
	assertWellFormed(t, machine)
}

func TestJoinWaitsForAllRegions(t *testing.T) {
	var effects atomic.Int64
	trace := &Trace{}
	model := playerModel(&effects, trace)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	apply(t, machine, "Start")
	apply(t, machine, "MuteAudio")

	// only the audio region rests at its join source; Stop must not fire yet
	mind := apply(t, machine, "Stop")
	require.True(t, machine.IsIn("Running"))
	require.True(t, machine.IsIn("AudioOff"))
	require.True(t, machine.IsIn("VideoOn"))
	require.Len(t, mind.Paths(), 2)

	apply(t, machine, "StopVideo")
	trace.reset()

	mind = apply(t, machine, "Stop")
	require.True(t, machine.IsIn("Idle"))
	require.False(t, machine.IsIn("Running"))
	require.Len(t, mind.Paths(), 1)
	require.Equal(t, []string{
		"exit:AudioOff", "exit:VideoOff", "exit:Audio", "exit:Video", "exit:Running",
	}, trace.take())
	assertWellFormed(t, machine)
}

func TestInvalidTransitionFailsHandle(t *testing.T) {
	model := thermoModel()
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Frozen"})
	require.ErrorIs(t, result.Err, hfsm.ErrInvalidTransition)
	require.True(t, machine.IsIn("Solid"))
}

func TestProductionSuppressesInvalidTransition(t *testing.T) {
	model := thermoModel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	machine, err := hfsm.New(&model, hfsm.Config{Production: true, Logger: logger})
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Vaporized"})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("Solid"))
	require.Equal(t, machine.StateOfMind().String(), result.Mind.String())
}

func TestGuardFailureIsNotAnError(t *testing.T) {
	model := hfsm.Define("guarded",
		hfsm.Initial("A"),
		hfsm.State("A",
			hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"),
				hfsm.Guard(func(ctx context.Context, event hfsm.Event) bool { return false })),
		),
		hfsm.State("B",
			hfsm.Transition(hfsm.On("Back"), hfsm.Target("A")),
		),
	)
	// B is only reachable through the always-false guard as far as the static
	// analyzer can tell, which is fine: guards are opaque to it.
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Go"})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("A"))
}

func TestExitEnterPairing(t *testing.T) {
	trace := &Trace{}
	model := hfsm.Define("pair",
		hfsm.Initial("A"),
		hfsm.State("A",
			hfsm.Entry(record(trace, "enter:A")),
			hfsm.Exit(record(trace, "exit:A")),
			hfsm.Transition(hfsm.On("Go"), hfsm.Target("B")),
		),
		hfsm.State("B",
			hfsm.Entry(record(trace, "enter:B")),
			hfsm.Exit(record(trace, "exit:B")),
			hfsm.Transition(hfsm.On("Back"), hfsm.Target("A")),
		),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	apply(t, machine, "Go")
	apply(t, machine, "Back")
	require.Equal(t, []string{"exit:A", "enter:B", "exit:B", "enter:A"}, trace.take())
}

func TestEffectRunsBetweenExitAndEnter(t *testing.T) {
	trace := &Trace{}
	model := hfsm.Define("sequence",
		hfsm.Initial("A"),
		hfsm.State("A",
			hfsm.Exit(record(trace, "exit:A")),
			hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"),
				hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
					trace.add("effect")
				})),
		),
		hfsm.State("B",
			hfsm.Entry(record(trace, "enter:B")),
		),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	apply(t, machine, "Go")
	require.Equal(t, []string{"exit:A", "effect", "enter:B"}, trace.take())
}

func TestReentrantApply(t *testing.T) {
	var machine *hfsm.Machine
	var nested atomic.Value
	model := hfsm.Define("reentrant",
		hfsm.Initial("Solid"),
		hfsm.State("Solid",
			hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid"),
				hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
					nested.Store(machine.Apply(ctx, hfsm.Event{Kind: "Vaporized"}))
				})),
		),
		hfsm.State("Liquid",
			hfsm.Transition(hfsm.On("Vaporized"), hfsm.Target("Gas")),
		),
		hfsm.State("Gas"),
	)
	var err error
	machine, err = hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Melted"})
	require.NoError(t, result.Err)
	// the enclosing event resolves with its own post-event configuration
	require.True(t, result.Mind.Contains("Liquid"))

	handle := nested.Load().(<-chan hfsm.Result)
	nestedResult := <-handle
	require.NoError(t, nestedResult.Err)
	require.True(t, nestedResult.Mind.Contains("Gas"))
	require.True(t, machine.IsIn("Gas"))
}

func TestApplyLinearizes(t *testing.T) {
	model := hfsm.Define("toggle",
		hfsm.Initial("Ping"),
		hfsm.State("Ping",
			hfsm.Transition(hfsm.On("Toggle"), hfsm.Target("Pong")),
		),
		hfsm.State("Pong",
			hfsm.Transition(hfsm.On("Toggle"), hfsm.Target("Ping")),
		),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	results := make(chan hfsm.Result, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				results <- <-machine.Apply(context.Background(), hfsm.Event{Kind: "Toggle"})
			}
		}()
	}
	wg.Wait()
	close(results)

	for result := range results {
		require.NoError(t, result.Err)
		leaves := result.Mind.Leaves()
		require.Len(t, leaves, 1)
		require.Contains(t, []hfsm.StateKind{"Ping", "Pong"}, leaves[0])
	}
	// an even number of toggles lands back on the initial state
	require.True(t, machine.IsIn("Ping"))
	assertWellFormed(t, machine)
}

func TestSubscribe(t *testing.T) {
	model := thermoModel()
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	channel, cancel := machine.Subscribe()
	defer cancel()

	apply(t, machine, "Melted")
	select {
	case mind := <-channel:
		require.True(t, mind.Contains("Liquid"))
	case <-time.After(time.Second):
		t.Fatal("no configuration published")
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	model := thermoModel()
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	channel, cancel := machine.Subscribe()
	cancel()
	_, open := <-channel
	require.False(t, open)
}

func TestObserverPanicIsIsolated(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
	model := hfsm.Define("observed",
		hfsm.Observe(func(ctx context.Context, from hfsm.StateKind, event hfsm.Event, to hfsm.StateKind) {
			panic("observer blew up")
		}),
		hfsm.Initial("A"),
		hfsm.State("A", hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"))),
		hfsm.State("B"),
	)
	machine, err := hfsm.New(&model, hfsm.Config{Logger: logger})
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Go"})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("B"))
}

func TestCallbackPanicFailsHandle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
	model := hfsm.Define("explosive",
		hfsm.Initial("A"),
		hfsm.State("A",
			hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"),
				hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
					panic("effect blew up")
				})),
		),
		hfsm.State("B"),
	)
	machine, err := hfsm.New(&model, hfsm.Config{Logger: logger})
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Go"})
	require.Error(t, result.Err)
	require.True(t, machine.IsIn("A"), "a failed event must not mutate the configuration")
}

func TestEventIDAssigned(t *testing.T) {
	var seen atomic.Bool
	model := hfsm.Define("stamped",
		hfsm.Initial("A"),
		hfsm.State("A",
			hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"),
				hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
					seen.Store(event.ID != 0)
				})),
		),
		hfsm.State("B"),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)
	apply(t, machine, "Go")
	require.True(t, seen.Load())
}

func TestIsTerminal(t *testing.T) {
	model := hfsm.Define("terminal",
		hfsm.Initial("Soft"),
		hfsm.State("Solid",
			hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid")),
			hfsm.State("Soft", hfsm.Transition(hfsm.On("Hardened"), hfsm.Target("Hard"))),
			hfsm.State("Hard"),
		),
		hfsm.State("Liquid"),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	solid, ok := machine.Model().Lookup("Solid")
	require.True(t, ok)
	assert.False(t, solid.IsTerminal())

	// Hard has no transitions of its own but inherits Melted from Solid
	hard, ok := machine.Model().Lookup("Hard")
	require.True(t, ok)
	assert.False(t, hard.IsTerminal())

	liquid, ok := machine.Model().Lookup("Liquid")
	require.True(t, ok)
	assert.True(t, liquid.IsTerminal())
	assert.False(t, liquid.IsAbstract())
	assert.True(t, liquid.IsLeaf())
	assert.True(t, solid.IsAbstract())
}

func TestModelAccessors(t *testing.T) {
	model := thermoModel()
	require.Equal(t, "thermo", model.Name())

	top := model.TopLevel()
	require.Len(t, top, 3)
	require.Equal(t, hfsm.StateKind("Solid"), top[0].Kind())

	initial, err := model.InitialLeaf()
	require.NoError(t, err)
	require.Equal(t, hfsm.StateKind("Solid"), initial.Kind())

	_, ok := model.Lookup("Plasma")
	require.False(t, ok)
}

func TestDefaultInitialIsFirstTopLevelLeaf(t *testing.T) {
	model := hfsm.Define("defaulted",
		hfsm.State("A", hfsm.Transition(hfsm.On("Go"), hfsm.Target("B"))),
		hfsm.State("B"),
	)
	machine, err := hfsm.New(&model)
	require.NoError(t, err)
	require.True(t, machine.IsIn("A"))
}

func TestExport(t *testing.T) {
	model := thermoModel()
	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	dir := t.TempDir()
	for _, format := range []diagram.Format{diagram.DOT, diagram.Mermaid, diagram.SMCat} {
		path := filepath.Join(dir, "thermo."+string(format))
		require.NoError(t, machine.Export(path, format))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NotEmpty(t, data)
	}
}
