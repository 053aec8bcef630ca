package graphdef_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statemind/hfsm"
	"github.com/statemind/hfsm/pkg/graphdef"
)

const thermoYAML = `
name: thermo
initial: Solid
states:
  - kind: Solid
    transitions:
      - on: Heat
        target: Boiling
        guard: pastBoilingPoint
      - on: Heat
        target: Liquid
        effect: noteMelting
  - kind: Liquid
  - kind: Boiling
`

func thermoRegistry(melted *bool) graphdef.Registry {
	return graphdef.Registry{
		Guards: map[string]hfsm.ExpressionFunc{
			"pastBoilingPoint": func(ctx context.Context, event hfsm.Event) bool {
				degrees, ok := event.Data.(int)
				return ok && degrees > 100
			},
		},
		Effects: map[string]hfsm.OperationFunc{
			"noteMelting": func(ctx context.Context, event hfsm.Event) {
				*melted = true
			},
		},
	}
}

func TestLoad(t *testing.T) {
	melted := false
	model, err := graphdef.Load(strings.NewReader(thermoYAML), thermoRegistry(&melted))
	require.NoError(t, err)
	require.Equal(t, "thermo", model.Name())

	machine, err := hfsm.New(&model)
	require.NoError(t, err)
	require.True(t, machine.IsIn("Solid"))

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Heat", Data: 50})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("Liquid"))
	require.True(t, melted)
}

func TestLoadGuardSelectsFirstMatch(t *testing.T) {
	melted := false
	model, err := graphdef.Load(strings.NewReader(thermoYAML), thermoRegistry(&melted))
	require.NoError(t, err)

	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Heat", Data: 150})
	require.NoError(t, result.Err)
	require.True(t, machine.IsIn("Boiling"))
	require.False(t, melted)
}

func TestLoadForkAndJoin(t *testing.T) {
	const doc = `
name: player
initial: Idle
states:
  - kind: Idle
    transitions:
      - on: Start
        targets: [AudioOn, VideoOn]
  - kind: Running
    concurrent: true
    states:
      - kind: Audio
        states:
          - kind: AudioOn
            transitions:
              - on: MuteAudio
                target: AudioOff
          - kind: AudioOff
            transitions:
              - on: Stop
                target: Idle
                join: true
      - kind: Video
        states:
          - kind: VideoOn
            transitions:
              - on: StopVideo
                target: VideoOff
          - kind: VideoOff
            transitions:
              - on: Stop
                target: Idle
                join: true
`
	model, err := graphdef.Load(strings.NewReader(doc), graphdef.Registry{})
	require.NoError(t, err)

	machine, err := hfsm.New(&model)
	require.NoError(t, err)

	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Start"})
	require.NoError(t, result.Err)
	require.Len(t, result.Mind.Paths(), 2)
	require.True(t, machine.IsIn("AudioOn"))
	require.True(t, machine.IsIn("VideoOn"))
}

func TestLoadUnknownGuard(t *testing.T) {
	_, err := graphdef.Load(strings.NewReader(thermoYAML), graphdef.Registry{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown guard")
}

func TestLoadEntryExitActions(t *testing.T) {
	const doc = `
name: doors
initial: Closed
states:
  - kind: Closed
    exit: [onLeave]
    transitions:
      - on: Open
        target: Opened
  - kind: Opened
    entry: [onArrive]
`
	var calls []string
	registry := graphdef.Registry{
		Actions: map[string]hfsm.ActionFunc{
			"onLeave": func(ctx context.Context, other hfsm.StateKind, event hfsm.Event) {
				calls = append(calls, "leave")
			},
			"onArrive": func(ctx context.Context, other hfsm.StateKind, event hfsm.Event) {
				calls = append(calls, "arrive")
			},
		},
	}
	model, err := graphdef.Load(strings.NewReader(doc), registry)
	require.NoError(t, err)

	machine, err := hfsm.New(&model)
	require.NoError(t, err)
	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Open"})
	require.NoError(t, result.Err)
	require.Equal(t, []string{"leave", "arrive"}, calls)
}

func TestLoadDuplicateStateBecomesError(t *testing.T) {
	const doc = `
name: dup
states:
  - kind: A
  - kind: A
`
	_, err := graphdef.Load(strings.NewReader(doc), graphdef.Registry{})
	require.ErrorIs(t, err, hfsm.ErrDuplicateState)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := graphdef.Load(strings.NewReader("{not yaml"), graphdef.Registry{})
	require.Error(t, err)
}
