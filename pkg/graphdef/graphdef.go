// Package graphdef loads state machine definitions from YAML documents.
// Structure lives in the document; guards, effects, and entry/exit actions are
// referenced by name and resolved through a Registry supplied by the caller.
//
// Example document:
//
//	name: thermo
//	initial: Solid
//	states:
//	  - kind: Solid
//	    transitions:
//	      - on: Heat
//	        target: Boiling
//	        guard: pastBoilingPoint
//	      - on: Heat
//	        target: Liquid
//	  - kind: Liquid
//	  - kind: Boiling
package graphdef

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/statemind/hfsm"
)

// Definition mirrors the YAML document shape.
type Definition struct {
	Name    string     `yaml:"name"`
	Initial string     `yaml:"initial,omitempty"`
	States  []StateDef `yaml:"states"`
}

// StateDef declares one state and its nested structure.
type StateDef struct {
	Kind        string          `yaml:"kind"`
	Concurrent  bool            `yaml:"concurrent,omitempty"`
	Entry       []string        `yaml:"entry,omitempty"`
	Exit        []string        `yaml:"exit,omitempty"`
	States      []StateDef      `yaml:"states,omitempty"`
	Transitions []TransitionDef `yaml:"transitions,omitempty"`
}

// TransitionDef declares one transition. Targets (plural) declares a fork;
// Join marks the declaring state as a join source.
type TransitionDef struct {
	On      string   `yaml:"on"`
	Target  string   `yaml:"target,omitempty"`
	Targets []string `yaml:"targets,omitempty"`
	Join    bool     `yaml:"join,omitempty"`
	Guard   string   `yaml:"guard,omitempty"`
	Effect  string   `yaml:"effect,omitempty"`
}

// Registry resolves the names a definition references to callbacks.
type Registry struct {
	Guards  map[string]hfsm.ExpressionFunc
	Effects map[string]hfsm.OperationFunc
	Actions map[string]hfsm.ActionFunc
}

// Load decodes a YAML document from reader and builds the model.
func Load(reader io.Reader, registry Registry) (hfsm.Model, error) {
	var definition Definition
	if err := yaml.NewDecoder(reader).Decode(&definition); err != nil {
		return hfsm.Model{}, fmt.Errorf("graphdef: decoding definition: %w", err)
	}
	return Build(definition, registry)
}

// Build turns a decoded definition into a frozen model. Builder panics are
// converted into errors so a bad document never takes the process down.
func Build(definition Definition, registry Registry) (model hfsm.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recovered, ok := r.(error); ok {
				err = recovered
				return
			}
			err = fmt.Errorf("graphdef: %v", r)
		}
	}()
	if definition.Name == "" {
		return hfsm.Model{}, fmt.Errorf("graphdef: definition has no name")
	}
	var parts []hfsm.RedefinableElement
	if definition.Initial != "" {
		parts = append(parts, hfsm.Initial(hfsm.StateKind(definition.Initial)))
	}
	for _, state := range definition.States {
		part, buildErr := buildState(state, registry)
		if buildErr != nil {
			return hfsm.Model{}, buildErr
		}
		parts = append(parts, part)
	}
	return hfsm.Define(definition.Name, parts...), nil
}

func buildState(definition StateDef, registry Registry) (hfsm.RedefinableElement, error) {
	if definition.Kind == "" {
		return nil, fmt.Errorf("graphdef: state with no kind")
	}
	var parts []hfsm.RedefinableElement
	if definition.Concurrent {
		parts = append(parts, hfsm.Concurrent())
	}
	for _, name := range definition.Entry {
		action, ok := registry.Actions[name]
		if !ok {
			return nil, fmt.Errorf("graphdef: unknown entry action %q on state %q", name, definition.Kind)
		}
		parts = append(parts, hfsm.Entry(action))
	}
	for _, name := range definition.Exit {
		action, ok := registry.Actions[name]
		if !ok {
			return nil, fmt.Errorf("graphdef: unknown exit action %q on state %q", name, definition.Kind)
		}
		parts = append(parts, hfsm.Exit(action))
	}
	for _, transition := range definition.Transitions {
		part, err := buildTransition(definition.Kind, transition, registry)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	for _, child := range definition.States {
		part, err := buildState(child, registry)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return hfsm.State(hfsm.StateKind(definition.Kind), parts...), nil
}

func buildTransition(owner string, definition TransitionDef, registry Registry) (hfsm.RedefinableElement, error) {
	if definition.On == "" {
		return nil, fmt.Errorf("graphdef: transition on state %q has no trigger", owner)
	}
	parts := []hfsm.RedefinableElement{hfsm.On(hfsm.EventKind(definition.On))}
	switch {
	case len(definition.Targets) > 0:
		kinds := make([]hfsm.StateKind, len(definition.Targets))
		for i, target := range definition.Targets {
			kinds[i] = hfsm.StateKind(target)
		}
		parts = append(parts, hfsm.Targets(kinds...))
	case definition.Target != "":
		parts = append(parts, hfsm.Target(hfsm.StateKind(definition.Target)))
	default:
		return nil, fmt.Errorf("graphdef: transition on %q from state %q has no target", definition.On, owner)
	}
	if definition.Guard != "" {
		guard, ok := registry.Guards[definition.Guard]
		if !ok {
			return nil, fmt.Errorf("graphdef: unknown guard %q on state %q", definition.Guard, owner)
		}
		parts = append(parts, hfsm.Guard(guard))
	}
	if definition.Effect != "" {
		effect, ok := registry.Effects[definition.Effect]
		if !ok {
			return nil, fmt.Errorf("graphdef: unknown effect %q on state %q", definition.Effect, owner)
		}
		parts = append(parts, hfsm.Effect(effect))
	}
	switch {
	case definition.Join:
		return hfsm.Join(parts...), nil
	case len(definition.Targets) > 0:
		return hfsm.Fork(parts...), nil
	default:
		return hfsm.Transition(parts...), nil
	}
}
