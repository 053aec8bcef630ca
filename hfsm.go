// Package hfsm provides a hierarchical finite state machine (HFSM) engine for Go
// in the style of UML 2 state diagrams.
//
// # Overview
//
// It models systems as a tree of nested states with orthogonal (concurrent)
// regions, guarded transitions, fork and join pseudostates, entry/exit actions,
// and transition side effects. Machines are authored declaratively with a
// builder, validated statically at construction, and driven by applying events.
// Event application is serialized: concurrent Apply calls observe a well
// defined linearization, and events submitted from inside guards, effects, or
// entry/exit actions are processed after the current transition completes.
//
// # Features
//
//   - **Hierarchical States**: nested states with ancestor fallback for
//     unhandled events.
//   - **Orthogonal Regions**: concurrent children that are all simultaneously
//     active, with fork (1 to N) and join (N to 1) pseudostates.
//   - **Guards & Effects**: ordered guard evaluation per trigger, with a single
//     side effect per fired transition.
//   - **Static Analysis**: reachability, abstract target, duplicate state, and
//     fork/join shape checks before a machine is returned.
//
// # Usage
//
// Define the state graph and apply events:
//
//	model := hfsm.Define("thermo",
//	    hfsm.Initial("Solid"),
//	    hfsm.State("Solid",
//	        hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid")),
//	    ),
//	    hfsm.State("Liquid",
//	        hfsm.Transition(hfsm.On("Vaporized"), hfsm.Target("Gas")),
//	    ),
//	    hfsm.State("Gas"),
//	)
//	machine, err := hfsm.New(&model)
//	if err != nil {
//	    ...
//	}
//	result := <-machine.Apply(context.Background(), hfsm.Event{Kind: "Melted"})
//	machine.IsIn("Liquid") // true
package hfsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/stateforward/hsm-go/kind"
	"github.com/stateforward/hsm-go/muid"

	"github.com/statemind/hfsm/elements"
	"github.com/statemind/hfsm/pkg/diagram"
)

// Element kinds discriminate the graph's building blocks using bit-packed
// inheritance. kind.Is answers "is this a transition" and "which variant"
// without type switches.
var (
	// ElementKind is the base kind for all graph elements.
	ElementKind = kind.Make()
	// VertexKind is the base kind for nodes in the state tree.
	VertexKind = kind.Make(ElementKind)
	// NodeKind identifies a user registered state node.
	NodeKind = kind.Make(VertexKind)
	// RootKind identifies the synthetic root above all top level states.
	// Upward walks terminate when they reach it.
	RootKind = kind.Make(VertexKind)
	// TransitionKind is the base kind for all transition definitions.
	TransitionKind = kind.Make(ElementKind)
	// PlainKind is a transition with exactly one target leaf.
	PlainKind = kind.Make(TransitionKind)
	// ForkKind is a transition fanning out into multiple orthogonal regions.
	ForkKind = kind.Make(TransitionKind)
	// JoinKind is a transition gathering all concurrent siblings into one target.
	JoinKind = kind.Make(TransitionKind)
	// NoOpKind is the synthetic result of an event that matched nothing at a
	// given node; it signals the dispatcher to try an ancestor.
	NoOpKind = kind.Make(TransitionKind)
)

// Sentinel errors surfaced at construction or through Apply handles.
// Check with errors.Is.
var (
	// ErrUnknownState is returned when a state kind is referenced but never registered.
	ErrUnknownState = errors.New("unknown state")
	// ErrInvalidTransition is returned when an event has no matching trigger
	// anywhere from an active leaf up to the root. Suppressed to a log entry in
	// production mode.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNullChoiceMustBeLast is raised when a transition is registered after a
	// guardless one for the same state and trigger.
	ErrNullChoiceMustBeLast = errors.New("guardless transition must be last")
	// ErrInvalidStateMachine is returned when the analyzer rejects the graph.
	ErrInvalidStateMachine = errors.New("invalid state machine")
	// ErrDuplicateState is raised when a state kind is registered twice.
	ErrDuplicateState = errors.New("duplicate state")
	// ErrAbstractTarget is reported when a plain or join transition targets a
	// state that has children.
	ErrAbstractTarget = errors.New("transition targets abstract state")
	// ErrUnreachableState is reported for leaves no transition sequence can reach.
	ErrUnreachableState = errors.New("unreachable state")
	// ErrInitialStateNotLeaf is reported when the configured initial state has children.
	ErrInitialStateNotLeaf = errors.New("initial state is not a leaf")
)

// StateKind is the stable tag identifying a registered state.
type StateKind string

// EventKind is the stable tag identifying an event type.
type EventKind string

// Event is a trigger applied to a machine. Data is opaque to the engine and is
// passed through to guards, effects, and actions.
type Event struct {
	Kind EventKind `json:"kind"`
	ID   muid.MUID `json:"id"`
	Data any       `json:"data"`
}

// WithData returns a copy of the event carrying data.
func (e Event) WithData(data any) Event {
	return Event{Kind: e.Kind, ID: e.ID, Data: data}
}

// ExpressionFunc is a transition guard. Guards must behave as pure predicates
// over the event; the engine evaluates them in authoring order and fires the
// first transition whose guard passes or is absent.
type ExpressionFunc func(ctx context.Context, event Event) bool

// OperationFunc is a transition side effect, invoked exactly once per fired
// transition, between the exit and enter phases.
type OperationFunc func(ctx context.Context, event Event)

// ActionFunc is an entry or exit action. other is the state at the far end of
// the transition that caused the action to run.
type ActionFunc func(ctx context.Context, other StateKind, event Event)

// ObserverFunc is notified of every executed sub-transition. Forks produce one
// notification per entered region.
type ObserverFunc func(ctx context.Context, from StateKind, event Event, to StateKind)

/******* StateNode *******/

// ChildrenMode describes how a node's children relate to each other.
type ChildrenMode uint8

const (
	// ModeLeaf marks a node with no children.
	ModeLeaf ChildrenMode = iota
	// ModeNested marks mutually exclusive children.
	ModeNested
	// ModeConcurrent marks children that are all simultaneously active whenever
	// the parent is entered.
	ModeConcurrent
)

func (mode ChildrenMode) String() string {
	switch mode {
	case ModeNested:
		return "nested"
	case ModeConcurrent:
		return "concurrent"
	default:
		return "leaf"
	}
}

// StateNode is one node in the frozen state tree.
type StateNode struct {
	kind         StateKind
	elementKind  uint64
	parent       *StateNode
	children     map[StateKind]*StateNode
	order        []StateKind
	mode         ChildrenMode
	transitions  map[EventKind][]*TransitionDefinition
	triggerOrder []EventKind
	onEnter      []ActionFunc
	onExit       []ActionFunc
}

// Kind returns the node's state tag.
func (node *StateNode) Kind() StateKind {
	return node.kind
}

// ElementKind returns the node's element kind (NodeKind or RootKind).
func (node *StateNode) ElementKind() uint64 {
	return node.elementKind
}

// Parent returns the enclosing node, or nil for the root.
func (node *StateNode) Parent() *StateNode {
	return node.parent
}

// Mode reports how the node's children relate to each other.
func (node *StateNode) Mode() ChildrenMode {
	return node.mode
}

// Children returns the node's children in registration order.
func (node *StateNode) Children() []*StateNode {
	children := make([]*StateNode, 0, len(node.order))
	for _, k := range node.order {
		children = append(children, node.children[k])
	}
	return children
}

// IsLeaf reports whether the node has no children.
func (node *StateNode) IsLeaf() bool {
	return len(node.children) == 0 && !kind.Is(node.elementKind, RootKind)
}

// IsAbstract reports whether the node has children or is the root. Abstract
// nodes cannot be occupied directly; an active path always ends at a leaf.
func (node *StateNode) IsAbstract() bool {
	return len(node.children) > 0 || kind.Is(node.elementKind, RootKind)
}

// IsTerminal reports whether no outgoing transition exists from this node nor
// from any of its ancestors.
func (node *StateNode) IsTerminal() bool {
	for current := node; current != nil && !kind.Is(current.elementKind, RootKind); current = current.parent {
		if len(current.transitions) > 0 {
			return false
		}
	}
	return true
}

func (node *StateNode) depth() int {
	depth := 0
	for current := node; current.parent != nil && !kind.Is(current.parent.elementKind, RootKind); current = current.parent {
		depth++
	}
	return depth
}

// chainOf returns the nodes from the first real descendant of the root down to
// node, inclusive.
func chainOf(node *StateNode) []*StateNode {
	var chain []*StateNode
	for current := node; current != nil && !kind.Is(current.elementKind, RootKind); current = current.parent {
		chain = append(chain, current)
	}
	slices.Reverse(chain)
	return chain
}

// isAncestor reports whether ancestor lies strictly above node.
func isAncestor(ancestor, node *StateNode) bool {
	if kind.Is(ancestor.elementKind, RootKind) {
		return !kind.Is(node.elementKind, RootKind)
	}
	for current := node.parent; current != nil; current = current.parent {
		if current == ancestor {
			return true
		}
		if kind.Is(current.elementKind, RootKind) {
			return false
		}
	}
	return false
}

// defaultDescent expands node into the chains of nodes entered when node is the
// target of a transition: a leaf is itself, a nested node descends into its
// first registered child, and a concurrent node descends into every region.
// Each returned chain starts at node and ends at a leaf.
func defaultDescent(node *StateNode) [][]*StateNode {
	if len(node.children) == 0 {
		return [][]*StateNode{{node}}
	}
	var chains [][]*StateNode
	switch node.mode {
	case ModeConcurrent:
		for _, k := range node.order {
			for _, tail := range defaultDescent(node.children[k]) {
				chains = append(chains, append([]*StateNode{node}, tail...))
			}
		}
	default:
		for _, tail := range defaultDescent(node.children[node.order[0]]) {
			chains = append(chains, append([]*StateNode{node}, tail...))
		}
	}
	return chains
}

/******* TransitionDefinition *******/

// TransitionDefinition describes one possible transition. The element kind
// discriminates the variant: PlainKind and ForkKind carry one source, JoinKind
// carries one source per concurrent sibling, NoOpKind carries neither and is
// only ever synthesized by the dispatcher.
type TransitionDefinition struct {
	elementKind uint64
	trigger     EventKind
	sources     []*StateNode
	targets     []*StateNode
	targetKinds []StateKind
	guard       ExpressionFunc
	effect      OperationFunc
}

// ElementKind returns the definition's variant kind.
func (definition *TransitionDefinition) ElementKind() uint64 {
	return definition.elementKind
}

// Trigger returns the event kind the definition reacts to.
func (definition *TransitionDefinition) Trigger() EventKind {
	return definition.trigger
}

// Sources returns the states the definition departs from.
func (definition *TransitionDefinition) Sources() []StateKind {
	kinds := make([]StateKind, len(definition.sources))
	for i, source := range definition.sources {
		kinds[i] = source.kind
	}
	return kinds
}

// Targets returns the states the definition enters.
func (definition *TransitionDefinition) Targets() []StateKind {
	kinds := make([]StateKind, len(definition.targets))
	for i, target := range definition.targets {
		kinds[i] = target.kind
	}
	return kinds
}

// noOp is the shared synthetic definition returned when an event matches
// nothing at a node. It executes nothing and leaves the configuration
// unchanged.
var noOp = &TransitionDefinition{elementKind: NoOpKind}

/******* StatePath & StateOfMind *******/

// StatePath is an ordered sequence of state kinds from a top level state down
// to a leaf. Equality is structural.
type StatePath []StateKind

// Leaf returns the path's final, deepest kind.
func (statePath StatePath) Leaf() StateKind {
	if len(statePath) == 0 {
		return ""
	}
	return statePath[len(statePath)-1]
}

// Contains reports whether the path passes through kind.
func (statePath StatePath) Contains(stateKind StateKind) bool {
	return slices.Contains(statePath, stateKind)
}

// Equal reports structural equality.
func (statePath StatePath) Equal(other StatePath) bool {
	return slices.Equal(statePath, other)
}

func (statePath StatePath) String() string {
	parts := make([]string, len(statePath))
	for i, stateKind := range statePath {
		parts[i] = string(stateKind)
	}
	return strings.Join(parts, "/")
}

// StateOfMind is the machine's active configuration: the set of root-to-leaf
// paths currently occupied. Because concurrent regions exist, multiple paths
// may be active simultaneously; any two distinct paths diverge at a concurrent
// node. A path's prefix states are all implicitly active.
type StateOfMind struct {
	paths []StatePath
}

// Paths returns the active paths in a stable order.
func (mind StateOfMind) Paths() []StatePath {
	return slices.Clone(mind.paths)
}

// Contains reports whether any active path passes through kind.
func (mind StateOfMind) Contains(stateKind StateKind) bool {
	for _, statePath := range mind.paths {
		if statePath.Contains(stateKind) {
			return true
		}
	}
	return false
}

// Leaves returns the active leaf kinds in path order.
func (mind StateOfMind) Leaves() []StateKind {
	leaves := make([]StateKind, len(mind.paths))
	for i, statePath := range mind.paths {
		leaves[i] = statePath.Leaf()
	}
	return leaves
}

func (mind StateOfMind) String() string {
	parts := make([]string, len(mind.paths))
	for i, statePath := range mind.paths {
		parts[i] = statePath.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func containsPath(paths []StatePath, statePath StatePath) bool {
	for _, existing := range paths {
		if existing.Equal(statePath) {
			return true
		}
	}
	return false
}

func (mind StateOfMind) containsPath(statePath StatePath) bool {
	return containsPath(mind.paths, statePath)
}

func (mind StateOfMind) without(remove []StatePath) StateOfMind {
	var kept []StatePath
	for _, statePath := range mind.paths {
		removed := false
		for _, other := range remove {
			if statePath.Equal(other) {
				removed = true
				break
			}
		}
		if !removed {
			kept = append(kept, statePath)
		}
	}
	return StateOfMind{paths: kept}
}

func (mind StateOfMind) with(add []StatePath) StateOfMind {
	paths := slices.Clone(mind.paths)
	for _, statePath := range add {
		if !containsPath(paths, statePath) {
			paths = append(paths, statePath)
		}
	}
	return StateOfMind{paths: paths}
}

/******* Model *******/

// Model is the frozen state graph produced by Define: the tree rooted at a
// synthetic root, a flat index by state kind, the configured initial leaf, and
// the registered observers. Models are immutable after Define and freely
// shareable between machines.
type Model struct {
	name      string
	root      *StateNode
	index     map[StateKind]*StateNode
	initial   StateKind
	observers []ObserverFunc
	elements  []RedefinableElement
}

// Name returns the model's name.
func (model *Model) Name() string {
	return model.name
}

// Lookup returns the node registered under stateKind.
func (model *Model) Lookup(stateKind StateKind) (*StateNode, bool) {
	node, ok := model.index[stateKind]
	return node, ok
}

// TopLevel returns the immediate children of the root in registration order.
func (model *Model) TopLevel() []*StateNode {
	return model.root.Children()
}

// Observers returns the registered transition observers.
func (model *Model) Observers() []ObserverFunc {
	return slices.Clone(model.observers)
}

// InitialLeaf resolves the configured initial state. When no initial state was
// declared it defaults to the first registered top level leaf.
func (model *Model) InitialLeaf() (*StateNode, error) {
	if model.initial == "" {
		return nil, fmt.Errorf("%w: model %q has no initial state and no top level leaf", ErrUnknownState, model.name)
	}
	node, ok := model.index[model.initial]
	if !ok {
		return nil, fmt.Errorf("%w: initial state %q", ErrUnknownState, model.initial)
	}
	if !node.IsLeaf() {
		return nil, fmt.Errorf("%w: %q", ErrInitialStateNotLeaf, model.initial)
	}
	return node, nil
}

func (model *Model) push(partial RedefinableElement) {
	model.elements = append(model.elements, partial)
}

// walk visits every registered node in a stable pre-order.
func (model *Model) walk(visit func(node *StateNode)) {
	var descend func(node *StateNode)
	descend = func(node *StateNode) {
		for _, k := range node.order {
			child := node.children[k]
			visit(child)
			descend(child)
		}
	}
	descend(model.root)
}

// definitions returns every registered transition definition exactly once, in
// a stable order. Merged joins appear under several source states but are
// reported once.
func (model *Model) definitions() []*TransitionDefinition {
	var out []*TransitionDefinition
	seen := map[*TransitionDefinition]struct{}{}
	model.walk(func(node *StateNode) {
		for _, trigger := range node.triggerOrder {
			for _, definition := range node.transitions[trigger] {
				if _, ok := seen[definition]; ok {
					continue
				}
				seen[definition] = struct{}{}
				out = append(out, definition)
			}
		}
	})
	return out
}

// lcaOf returns the least common ancestor of nodes: the deepest node that is a
// proper ancestor of every element of nodes. When the set collapses to a
// single node the ancestor is its parent, so self transitions exit and
// re-enter their state.
func (model *Model) lcaOf(nodes []*StateNode) *StateNode {
	if len(nodes) == 0 {
		return model.root
	}
	candidate := nodes[0]
	for !kind.Is(candidate.elementKind, RootKind) {
		ok := true
		for _, node := range nodes {
			if node != candidate && !isAncestor(candidate, node) {
				ok = false
				break
			}
		}
		if ok && !slices.Contains(nodes, candidate) {
			return candidate
		}
		candidate = candidate.parent
	}
	return model.root
}

// expand computes the chains of nodes activated by entering targets. Abstract
// targets extend through their default descent, and whenever a chain passes
// through a concurrent node, regions not already covered by another chain or
// by a surviving active path are entered at their own default descent.
func (model *Model) expand(targets []*StateNode, surviving []StatePath) [][]*StateNode {
	var chains [][]*StateNode
	for _, target := range targets {
		base := chainOf(target)
		for _, tail := range defaultDescent(target) {
			chain := slices.Clone(base[:len(base)-1])
			chains = append(chains, append(chain, tail...))
		}
	}
	covered := func(stateKind StateKind) bool {
		for _, chain := range chains {
			for _, node := range chain {
				if node.kind == stateKind {
					return true
				}
			}
		}
		for _, statePath := range surviving {
			if statePath.Contains(stateKind) {
				return true
			}
		}
		return false
	}
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(chains); i++ {
			chain := chains[i]
			for j, node := range chain {
				if node.mode != ModeConcurrent {
					continue
				}
				for _, k := range node.order {
					region := node.children[k]
					if covered(region.kind) {
						continue
					}
					prefix := slices.Clone(chain[:j+1])
					for _, tail := range defaultDescent(region) {
						chains = append(chains, append(slices.Clone(prefix), tail...))
					}
					changed = true
				}
			}
		}
	}
	return chains
}

func toPaths(chains [][]*StateNode) []StatePath {
	paths := make([]StatePath, len(chains))
	for i, chain := range chains {
		statePath := make(StatePath, len(chain))
		for j, node := range chain {
			statePath[j] = node.kind
		}
		paths[i] = statePath
	}
	return paths
}

/******* View *******/

// View exposes the model through the read-only elements interfaces consumed by
// diagram exporters.
func (model *Model) View() elements.Graph {
	return graphView{model: model}
}

type graphView struct {
	model *Model
}

func (view graphView) Name() string {
	return view.model.name
}

func (view graphView) Initial() string {
	return string(view.model.initial)
}

func (view graphView) Roots() []elements.Node {
	var roots []elements.Node
	for _, node := range view.model.TopLevel() {
		roots = append(roots, nodeView{node: node})
	}
	return roots
}

func (view graphView) Transitions() []elements.Transition {
	var out []elements.Transition
	for _, definition := range view.model.definitions() {
		out = append(out, transitionView{definition: definition})
	}
	return out
}

type nodeView struct {
	node *StateNode
}

func (view nodeView) Kind() string {
	return string(view.node.kind)
}

func (view nodeView) Mode() elements.Mode {
	switch view.node.mode {
	case ModeConcurrent:
		return elements.ModeConcurrent
	case ModeNested:
		return elements.ModeNested
	default:
		return elements.ModeLeaf
	}
}

func (view nodeView) Children() []elements.Node {
	var children []elements.Node
	for _, child := range view.node.Children() {
		children = append(children, nodeView{node: child})
	}
	return children
}

type transitionView struct {
	definition *TransitionDefinition
}

func (view transitionView) Variant() elements.Variant {
	switch {
	case kind.Is(view.definition.elementKind, ForkKind):
		return elements.VariantFork
	case kind.Is(view.definition.elementKind, JoinKind):
		return elements.VariantJoin
	default:
		return elements.VariantPlain
	}
}

func (view transitionView) Trigger() string {
	return string(view.definition.trigger)
}

func (view transitionView) Sources() []string {
	sources := make([]string, len(view.definition.sources))
	for i, source := range view.definition.sources {
		sources[i] = string(source.kind)
	}
	return sources
}

func (view transitionView) Targets() []string {
	targets := make([]string, len(view.definition.targets))
	for i, target := range view.definition.targets {
		targets[i] = string(target.kind)
	}
	return targets
}

func (view transitionView) Guarded() bool {
	return view.definition.guard != nil
}

/******* Builder *******/

// Element is implemented by everything the builder can place on its stack.
type Element interface {
	ElementKind() uint64
}

// RedefinableElement is a partial function that modifies a model by adding or
// updating elements. The builder functions below return them; Define applies
// them over a stack of enclosing elements.
type RedefinableElement = func(model *Model, stack []Element) Element

func apply(model *Model, stack []Element, partials ...RedefinableElement) {
	for _, partial := range partials {
		if partial != nil {
			partial(model, stack)
		}
	}
}

func find(stack []Element, kinds ...uint64) Element {
	for i := len(stack) - 1; i >= 0; i-- {
		if kind.Is(stack[i].ElementKind(), kinds...) {
			return stack[i]
		}
	}
	return nil
}

// traceback produces a panic helper that reports the caller's authoring site.
// Construction errors are fatal: no machine is returned past a bad graph.
func traceback() func(err error) {
	_, file, line, _ := runtime.Caller(2)
	return func(err error) {
		panic(fmt.Errorf("%s:%d: %w", file, line, err))
	}
}

// Define builds a frozen model from the given elements.
//
// Example:
//
//	model := hfsm.Define("player",
//	    hfsm.Initial("Idle"),
//	    hfsm.State("Idle",
//	        hfsm.Fork(hfsm.On("Start"), hfsm.Targets("Audio", "Video")),
//	    ),
//	    hfsm.State("Running", hfsm.Concurrent(),
//	        hfsm.State("Audio", hfsm.State("AudioOn"), hfsm.State("AudioOff")),
//	        hfsm.State("Video", hfsm.State("VideoOn"), hfsm.State("VideoOff")),
//	    ),
//	)
func Define(name string, redefinableElements ...RedefinableElement) Model {
	model := Model{
		name: name,
		root: &StateNode{
			elementKind: RootKind,
			children:    map[StateKind]*StateNode{},
			transitions: map[EventKind][]*TransitionDefinition{},
		},
		index:    map[StateKind]*StateNode{},
		elements: redefinableElements,
	}
	stack := []Element{model.root}
	for len(model.elements) > 0 {
		partials := model.elements
		model.elements = nil
		apply(&model, stack, partials...)
	}
	mergeJoins(&model)
	if model.initial == "" {
		for _, k := range model.root.order {
			if model.root.children[k].IsLeaf() {
				model.initial = k
				break
			}
		}
	}
	return model
}

// State registers a state node under the enclosing state (or at the top level
// when called directly within Define). Child elements may declare nested
// states, transitions, and entry/exit actions.
//
// Example:
//
//	hfsm.State("Solid",
//	    hfsm.Entry(func(ctx context.Context, other hfsm.StateKind, event hfsm.Event) {
//	        log.Println("entering solid")
//	    }),
//	    hfsm.Transition(hfsm.On("Melted"), hfsm.Target("Liquid")),
//	)
func State(stateKind StateKind, partialElements ...RedefinableElement) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, VertexKind).(*StateNode)
		if !ok {
			tb(fmt.Errorf("state %q must be declared within Define() or State()", stateKind))
		}
		if _, exists := model.index[stateKind]; exists {
			tb(fmt.Errorf("%w: %q", ErrDuplicateState, stateKind))
		}
		node := &StateNode{
			kind:        stateKind,
			elementKind: NodeKind,
			parent:      owner,
			children:    map[StateKind]*StateNode{},
			transitions: map[EventKind][]*TransitionDefinition{},
		}
		model.index[stateKind] = node
		owner.children[stateKind] = node
		owner.order = append(owner.order, stateKind)
		if owner.mode == ModeLeaf {
			owner.mode = ModeNested
		}
		apply(model, append(stack, node), partialElements...)
		return node
	}
}

// Concurrent marks the enclosing state's children as orthogonal regions: all
// of them are simultaneously active whenever the parent is entered.
func Concurrent() RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, NodeKind).(*StateNode)
		if !ok {
			tb(errors.New("Concurrent() must be declared within a State()"))
		}
		owner.mode = ModeConcurrent
		return owner
	}
}

// Initial declares the machine's initial leaf state. When omitted, the first
// registered top level leaf is used.
func Initial(stateKind StateKind) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner := find(stack, VertexKind)
		if owner == nil || !kind.Is(owner.ElementKind(), RootKind) {
			tb(errors.New("Initial() must be declared directly within Define()"))
		}
		if model.initial != "" {
			tb(fmt.Errorf("initial state already declared as %q", model.initial))
		}
		model.initial = stateKind
		model.push(func(model *Model, stack []Element) Element {
			if _, ok := model.index[stateKind]; !ok {
				tb(fmt.Errorf("%w: initial state %q", ErrUnknownState, stateKind))
			}
			return owner
		})
		return owner
	}
}

// Observe registers a global observer invoked with (from, event, to) for every
// executed sub-transition. Observer panics are logged and isolated.
func Observe(observer ObserverFunc) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner := find(stack, VertexKind)
		if owner == nil || !kind.Is(owner.ElementKind(), RootKind) {
			tb(errors.New("Observe() must be declared directly within Define()"))
		}
		model.observers = append(model.observers, observer)
		return owner
	}
}

func newTransition(tb func(error), elementKind uint64, partialElements []RedefinableElement) RedefinableElement {
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, NodeKind).(*StateNode)
		if !ok {
			tb(errors.New("transitions must be declared within a State()"))
		}
		definition := &TransitionDefinition{
			elementKind: elementKind,
			sources:     []*StateNode{owner},
		}
		apply(model, append(stack, definition), partialElements...)
		if definition.trigger == "" {
			tb(fmt.Errorf("transition on state %q has no trigger, use On()", owner.kind))
		}
		switch {
		case kind.Is(elementKind, ForkKind):
			if len(definition.targetKinds) < 2 {
				tb(fmt.Errorf("fork on state %q requires at least two targets", owner.kind))
			}
		default:
			if len(definition.targetKinds) != 1 {
				tb(fmt.Errorf("transition on state %q requires exactly one target", owner.kind))
			}
		}
		for _, existing := range owner.transitions[definition.trigger] {
			if existing.guard == nil {
				tb(fmt.Errorf("%w: state %q event %q", ErrNullChoiceMustBeLast, owner.kind, definition.trigger))
			}
		}
		if len(owner.transitions[definition.trigger]) == 0 {
			owner.triggerOrder = append(owner.triggerOrder, definition.trigger)
		}
		owner.transitions[definition.trigger] = append(owner.transitions[definition.trigger], definition)
		model.push(func(model *Model, stack []Element) Element {
			for _, targetKind := range definition.targetKinds {
				target, ok := model.index[targetKind]
				if !ok {
					tb(fmt.Errorf("%w: transition target %q from state %q", ErrUnknownState, targetKind, owner.kind))
				}
				definition.targets = append(definition.targets, target)
			}
			return definition
		})
		return definition
	}
}

// Transition declares a plain transition on the enclosing state.
//
// Example:
//
//	hfsm.Transition(hfsm.On("Heat"), hfsm.Target("Boiling"),
//	    hfsm.Guard(func(ctx context.Context, event hfsm.Event) bool {
//	        return event.Data.(int) > 100
//	    }),
//	    hfsm.Effect(func(ctx context.Context, event hfsm.Event) {
//	        log.Println("heating")
//	    }),
//	)
func Transition(partialElements ...RedefinableElement) RedefinableElement {
	return newTransition(traceback(), PlainKind, partialElements)
}

// Fork declares a transition fanning out into two or more orthogonal regions.
// Each target must lie in a distinct concurrent region of a common ancestor;
// the analyzer rejects the graph otherwise. Regions of that ancestor not named
// as targets are entered at their default descent.
//
// Example:
//
//	hfsm.Fork(hfsm.On("Start"), hfsm.Targets("AudioOn", "VideoOn"))
func Fork(partialElements ...RedefinableElement) RedefinableElement {
	return newTransition(traceback(), ForkKind, partialElements)
}

// Join declares the enclosing state as a join source. Every concurrent sibling
// region must declare a Join with the same trigger and target; the combined
// transition fires only once all regions rest at their declared join source.
//
// Example:
//
//	hfsm.State("AudioDone", hfsm.Join(hfsm.On("Stop"), hfsm.Target("Idle")))
func Join(partialElements ...RedefinableElement) RedefinableElement {
	return newTransition(traceback(), JoinKind, partialElements)
}

// On sets the trigger event of the enclosing transition.
func On(eventKind EventKind) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, TransitionKind).(*TransitionDefinition)
		if !ok {
			tb(errors.New("On() must be declared within a Transition(), Fork(), or Join()"))
		}
		if owner.trigger != "" {
			tb(fmt.Errorf("transition already triggers on %q", owner.trigger))
		}
		owner.trigger = eventKind
		return owner
	}
}

// Target sets the single target of the enclosing plain transition or join.
func Target(stateKind StateKind) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, TransitionKind).(*TransitionDefinition)
		if !ok {
			tb(errors.New("Target() must be declared within a Transition(), Fork(), or Join()"))
		}
		if len(owner.targetKinds) != 0 {
			tb(fmt.Errorf("transition already targets %q", owner.targetKinds[0]))
		}
		owner.targetKinds = []StateKind{stateKind}
		return owner
	}
}

// Targets sets the targets of the enclosing fork.
func Targets(stateKinds ...StateKind) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, TransitionKind).(*TransitionDefinition)
		if !ok {
			tb(errors.New("Targets() must be declared within a Fork()"))
		}
		if len(owner.targetKinds) != 0 {
			tb(fmt.Errorf("transition already targets %q", owner.targetKinds[0]))
		}
		owner.targetKinds = slices.Clone(stateKinds)
		return owner
	}
}

// Guard attaches a predicate to the enclosing transition. Within a single
// (state, trigger) list, guards are evaluated in authoring order and a
// guardless entry must come last.
func Guard(expression ExpressionFunc) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, TransitionKind).(*TransitionDefinition)
		if !ok {
			tb(errors.New("Guard() must be declared within a Transition(), Fork(), or Join()"))
		}
		if owner.guard != nil {
			tb(errors.New("transition already has a guard"))
		}
		owner.guard = expression
		return owner
	}
}

// Effect attaches a side effect to the enclosing transition, invoked exactly
// once per fired transition even when a fork enters several regions.
func Effect(operation OperationFunc) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, TransitionKind).(*TransitionDefinition)
		if !ok {
			tb(errors.New("Effect() must be declared within a Transition(), Fork(), or Join()"))
		}
		if owner.effect != nil {
			tb(errors.New("transition already has an effect"))
		}
		owner.effect = operation
		return owner
	}
}

// Entry appends entry actions to the enclosing state, invoked root first when
// a transition enters the state. The initial configuration set up by New is
// entered without invoking entry actions.
func Entry(actions ...ActionFunc) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, NodeKind).(*StateNode)
		if !ok {
			tb(errors.New("Entry() must be declared within a State()"))
		}
		owner.onEnter = append(owner.onEnter, actions...)
		return owner
	}
}

// Exit appends exit actions to the enclosing state, invoked leaf first when
// the state is left.
func Exit(actions ...ActionFunc) RedefinableElement {
	tb := traceback()
	return func(model *Model, stack []Element) Element {
		owner, ok := find(stack, NodeKind).(*StateNode)
		if !ok {
			tb(errors.New("Exit() must be declared within a State()"))
		}
		owner.onExit = append(owner.onExit, actions...)
		return owner
	}
}

// mergeJoins collapses join declarations that share a trigger and target into
// one definition owning every declared source, so the combined transition can
// check and consume all regions at once.
func mergeJoins(model *Model) {
	type joinKey struct {
		trigger EventKind
		target  StateKind
	}
	groups := map[joinKey][]*TransitionDefinition{}
	var order []joinKey
	model.walk(func(node *StateNode) {
		for _, trigger := range node.triggerOrder {
			for _, definition := range node.transitions[trigger] {
				if !kind.Is(definition.elementKind, JoinKind) || len(definition.targetKinds) != 1 {
					continue
				}
				key := joinKey{trigger: trigger, target: definition.targetKinds[0]}
				if _, ok := groups[key]; !ok {
					order = append(order, key)
				}
				groups[key] = append(groups[key], definition)
			}
		}
	})
	for _, key := range order {
		definitions := groups[key]
		if len(definitions) < 2 {
			continue
		}
		merged := &TransitionDefinition{
			elementKind: JoinKind,
			trigger:     key.trigger,
			targets:     definitions[0].targets,
			targetKinds: definitions[0].targetKinds,
		}
		for _, definition := range definitions {
			merged.sources = append(merged.sources, definition.sources...)
			if merged.guard == nil {
				merged.guard = definition.guard
			}
			if merged.effect == nil {
				merged.effect = definition.effect
			}
		}
		for _, definition := range definitions {
			owner := definition.sources[0]
			list := owner.transitions[key.trigger]
			for i, existing := range list {
				if existing == definition {
					list[i] = merged
				}
			}
		}
	}
}

/******* Engine *******/

// Result carries the outcome of one applied event: the post-event
// configuration, or the unchanged configuration plus an error.
type Result struct {
	Mind StateOfMind
	Err  error
}

type pending struct {
	event Event
	done  chan Result
}

type queue struct {
	mutex sync.Mutex
	fifo  []pending
}

func (q *queue) push(item pending) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.fifo = append(q.fifo, item)
}

func (q *queue) pop() (pending, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.fifo) == 0 {
		return pending{}, false
	}
	item := q.fifo[0]
	q.fifo = q.fifo[1:]
	return item, true
}

func (q *queue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.fifo)
}

type mutex struct {
	internal sync.Mutex
}

func (mutex *mutex) tryLock() bool {
	return mutex.internal.TryLock()
}

func (mutex *mutex) unlock() {
	mutex.internal.Unlock()
}

// Config provides configuration options for machine construction.
type Config struct {
	// ID is a unique identifier for the machine instance.
	ID string
	// Name overrides the model name for logging.
	Name string
	// Production suppresses InvalidTransition failures to log entries and skips
	// the construction-time analyzer.
	Production bool
	// Logger receives analyzer reports and suppressed errors. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// SubscriberBuffer is the channel capacity handed out by Subscribe.
	SubscriberBuffer int
}

// Machine is a running instance of a model. All event handling is serialized:
// the dispatcher holds a lock for the full duration of one event, including
// every guard, effect, and action it invokes.
type Machine struct {
	model            *Model
	id               string
	name             string
	production       bool
	logger           *slog.Logger
	mind             atomic.Value
	queue            queue
	processing       mutex
	subscribersMutex sync.Mutex
	subscribers      map[uuid.UUID]chan StateOfMind
	subscriberBuffer int
}

// New constructs a machine from a frozen model. Outside production mode the
// analyzer validates the graph first and construction fails with
// ErrInvalidStateMachine when it finds violations.
func New(model *Model, maybeConfig ...Config) (*Machine, error) {
	machine := &Machine{
		model:       model,
		subscribers: map[uuid.UUID]chan StateOfMind{},
	}
	if len(maybeConfig) > 0 {
		config := maybeConfig[0]
		machine.id = config.ID
		machine.name = config.Name
		machine.production = config.Production
		machine.logger = config.Logger
		machine.subscriberBuffer = config.SubscriberBuffer
	}
	if machine.logger == nil {
		machine.logger = slog.Default()
	}
	if machine.name == "" {
		machine.name = model.name
	}
	if machine.id == "" {
		machine.id = fmt.Sprintf("%s_%s", machine.name, muid.Make().String())
	}
	if machine.subscriberBuffer <= 0 {
		machine.subscriberBuffer = 8
	}
	initial, err := model.InitialLeaf()
	if err != nil {
		return nil, err
	}
	if !machine.production {
		analysis := analyzer{model: model, logger: machine.logger}
		if !analysis.run() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStateMachine, machine.name)
		}
	}
	machine.mind.Store(StateOfMind{paths: toPaths(model.expand([]*StateNode{initial}, nil))})
	return machine, nil
}

// ID returns the machine's instance identifier.
func (machine *Machine) ID() string {
	return machine.id
}

// Name returns the machine's name.
func (machine *Machine) Name() string {
	return machine.name
}

// Model returns the frozen model the machine runs.
func (machine *Machine) Model() *Model {
	return machine.model
}

// StateOfMind returns the current active configuration.
func (machine *Machine) StateOfMind() StateOfMind {
	return machine.mind.Load().(StateOfMind)
}

// IsIn reports whether any active path passes through stateKind: the current
// leaf or any of its ancestors equals stateKind. Unregistered kinds are never
// active and report false.
func (machine *Machine) IsIn(stateKind StateKind) bool {
	return machine.StateOfMind().Contains(stateKind)
}

// Apply enqueues event and returns a handle resolved with the post-event
// configuration once the event has been dispatched. Events are applied in the
// order Apply is invoked; submissions from inside a guard, effect, or action
// are processed after the current transition completes. The handle is buffered,
// so callers may drop it; the event is dispatched regardless.
func (machine *Machine) Apply(ctx context.Context, event Event) <-chan Result {
	if event.ID == 0 {
		event.ID = muid.Make()
	}
	done := make(chan Result, 1)
	machine.queue.push(pending{event: event, done: done})
	if machine.processing.tryLock() {
		go machine.process(context.WithoutCancel(ctx))
	}
	return done
}

// Subscribe registers a listener for every configuration produced by the
// machine. The returned cancel function unregisters and closes the channel.
// Sends never block the dispatcher: a subscriber that falls behind misses
// intermediate configurations.
func (machine *Machine) Subscribe() (<-chan StateOfMind, func()) {
	channel := make(chan StateOfMind, machine.subscriberBuffer)
	id := uuid.New()
	machine.subscribersMutex.Lock()
	machine.subscribers[id] = channel
	machine.subscribersMutex.Unlock()
	cancel := func() {
		machine.subscribersMutex.Lock()
		defer machine.subscribersMutex.Unlock()
		if existing, ok := machine.subscribers[id]; ok {
			delete(machine.subscribers, id)
			close(existing)
		}
	}
	return channel, cancel
}

// Analyze re-runs the static analyzer, reporting violations through the
// machine's logger, and reports whether the model passed.
func (machine *Machine) Analyze() bool {
	analysis := analyzer{model: machine.model, logger: machine.logger}
	return analysis.run()
}

// Export writes the machine's state graph as diagram text to path. Supported
// formats are diagram.DOT, diagram.Mermaid, and diagram.SMCat.
func (machine *Machine) Export(path string, format diagram.Format) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := diagram.Generate(file, machine.model.View(), format); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (machine *Machine) publish(mind StateOfMind) {
	machine.subscribersMutex.Lock()
	defer machine.subscribersMutex.Unlock()
	for _, channel := range machine.subscribers {
		select {
		case channel <- mind:
		default:
		}
	}
}

// process drains the queue while holding the processing lock. Events pushed
// during a dispatch, including re-entrant submissions from callbacks, are
// picked up by the same drain. The re-check after unlock closes the window
// where a push lands between the final pop and the unlock.
func (machine *Machine) process(ctx context.Context) {
	for {
		for item, ok := machine.queue.pop(); ok; item, ok = machine.queue.pop() {
			machine.dispatch(ctx, item)
		}
		machine.processing.unlock()
		if machine.queue.len() == 0 || !machine.processing.tryLock() {
			return
		}
	}
}

func (machine *Machine) dispatch(ctx context.Context, item pending) {
	mind := machine.mind.Load().(StateOfMind)
	defer func() {
		if r := recover(); r != nil {
			machine.logger.Error("hfsm: panic while dispatching event",
				"machine", machine.id, "event", item.event.Kind, "error", r, "stack", string(debug.Stack()))
			item.done <- Result{Mind: mind, Err: fmt.Errorf("panic while dispatching %q: %v", item.event.Kind, r)}
		}
	}()
	next, err := machine.step(ctx, mind, item.event)
	if err != nil {
		if machine.production && errors.Is(err, ErrInvalidTransition) {
			machine.logger.Warn("hfsm: event matched no transition",
				"machine", machine.id, "event", item.event.Kind, "mind", mind.String())
			item.done <- Result{Mind: mind}
			return
		}
		item.done <- Result{Mind: mind, Err: err}
		return
	}
	machine.mind.Store(next)
	machine.publish(next)
	item.done <- Result{Mind: next}
}

// step applies one event to the configuration. The snapshot of active paths is
// taken before any mutation; paths consumed mid-step by a join or fork are
// skipped when their turn comes.
func (machine *Machine) step(ctx context.Context, mind StateOfMind, event Event) (StateOfMind, error) {
	snapshot := mind.Paths()
	if !machine.triggerable(snapshot, event.Kind) {
		from := StateKind("")
		if len(snapshot) > 0 {
			from = snapshot[0].Leaf()
		}
		return mind, fmt.Errorf("%w: event %q from state %q", ErrInvalidTransition, event.Kind, from)
	}
	current := mind
	for _, statePath := range snapshot {
		if !current.containsPath(statePath) {
			continue
		}
		leaf, ok := machine.model.index[statePath.Leaf()]
		if !ok {
			return mind, fmt.Errorf("%w: active leaf %q", ErrUnknownState, statePath.Leaf())
		}
		definition := machine.selectTransition(ctx, current, leaf, event)
		if kind.Is(definition.elementKind, NoOpKind) {
			continue
		}
		current = machine.execute(ctx, current, definition, leaf, event)
	}
	return current, nil
}

// triggerable reports whether any active leaf has an ancestor (inclusive) with
// a transition registered for eventKind. This is the preflight behind
// ErrInvalidTransition; leaves whose chains never mention the trigger no-op
// silently so region-local events do not fail the other regions.
func (machine *Machine) triggerable(paths []StatePath, eventKind EventKind) bool {
	for _, statePath := range paths {
		node, ok := machine.model.index[statePath.Leaf()]
		if !ok {
			continue
		}
		for current := node; current != nil && !kind.Is(current.elementKind, RootKind); current = current.parent {
			if len(current.transitions[eventKind]) > 0 {
				return true
			}
		}
	}
	return false
}

// selectTransition walks from leaf toward the root, consulting each node's
// transition list for the event in authoring order and returning the first
// entry whose guard passes or is absent. Joins whose sibling regions have not
// all reached their declared sources are skipped. When nothing matches the
// shared no-op is returned.
func (machine *Machine) selectTransition(ctx context.Context, mind StateOfMind, leaf *StateNode, event Event) *TransitionDefinition {
	for node := leaf; node != nil && !kind.Is(node.elementKind, RootKind); node = node.parent {
		for _, definition := range node.transitions[event.Kind] {
			if kind.Is(definition.elementKind, JoinKind) && !joinReady(mind, definition) {
				continue
			}
			if definition.guard == nil || definition.guard(ctx, event) {
				return definition
			}
		}
	}
	return noOp
}

// joinReady reports whether every declared join source is an active leaf.
func joinReady(mind StateOfMind, definition *TransitionDefinition) bool {
	for _, source := range definition.sources {
		active := false
		for _, statePath := range mind.paths {
			if statePath.Leaf() == source.kind {
				active = true
				break
			}
		}
		if !active {
			return false
		}
	}
	return true
}

// execute commits a selected transition: exit phase leaf first up to just
// below the least common ancestor, the side effect exactly once, enter phase
// root first down to the target leaves, then observer notification per target.
func (machine *Machine) execute(ctx context.Context, mind StateOfMind, definition *TransitionDefinition, firingLeaf *StateNode, event Event) StateOfMind {
	lca := machine.model.lcaOf(append(slices.Clone(definition.sources), definition.targets...))

	var exiting []StatePath
	for _, statePath := range mind.paths {
		for _, source := range definition.sources {
			if statePath.Contains(source.kind) {
				exiting = append(exiting, statePath)
				break
			}
		}
	}
	var exitNodes []*StateNode
	seenExit := map[*StateNode]struct{}{}
	for _, statePath := range exiting {
		for i := len(statePath) - 1; i >= 0; i-- {
			node, ok := machine.model.index[statePath[i]]
			if !ok || node == lca || !isAncestor(lca, node) {
				break
			}
			if _, seen := seenExit[node]; seen {
				continue
			}
			seenExit[node] = struct{}{}
			exitNodes = append(exitNodes, node)
		}
	}
	slices.SortStableFunc(exitNodes, func(a, b *StateNode) int {
		return b.depth() - a.depth()
	})
	otherExit := StateKind("")
	if len(definition.targets) > 0 {
		otherExit = definition.targets[0].kind
	}
	for _, node := range exitNodes {
		for _, action := range node.onExit {
			action(ctx, otherExit, event)
		}
	}
	next := mind.without(exiting)

	if definition.effect != nil {
		definition.effect(ctx, event)
	}

	chains := machine.model.expand(definition.targets, next.paths)
	var enterNodes []*StateNode
	seenEnter := map[*StateNode]struct{}{}
	for _, chain := range chains {
		for _, node := range chain {
			if node == lca || !isAncestor(lca, node) {
				continue
			}
			if next.Contains(node.kind) {
				continue
			}
			if _, seen := seenEnter[node]; seen {
				continue
			}
			seenEnter[node] = struct{}{}
			enterNodes = append(enterNodes, node)
		}
	}
	slices.SortStableFunc(enterNodes, func(a, b *StateNode) int {
		return a.depth() - b.depth()
	})
	otherEnter := firingLeaf.kind
	if len(definition.sources) > 0 && !kind.Is(definition.elementKind, JoinKind) {
		otherEnter = definition.sources[0].kind
	}
	for _, node := range enterNodes {
		for _, action := range node.onEnter {
			action(ctx, otherEnter, event)
		}
	}
	next = next.with(toPaths(chains))

	from := otherEnter
	for _, target := range definition.targets {
		machine.notify(ctx, from, event, target.kind)
	}
	return next
}

func (machine *Machine) notify(ctx context.Context, from StateKind, event Event, to StateKind) {
	for _, observer := range machine.model.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					machine.logger.Error("hfsm: panic in observer",
						"machine", machine.id, "from", from, "event", event.Kind, "to", to, "error", r)
				}
			}()
			observer(ctx, from, event, to)
		}()
	}
}

/******* Analyzer *******/

// analyzer statically validates a model. It runs once at construction outside
// production mode and again on demand through Machine.Analyze. Every violation
// is reported through the logger; a single violation fails the model.
type analyzer struct {
	model  *Model
	logger *slog.Logger
	failed bool
}

func (analysis *analyzer) report(err error) {
	analysis.failed = true
	analysis.logger.Error("hfsm: state machine validation failed",
		"model", analysis.model.name, "error", err)
}

func (analysis *analyzer) run() bool {
	analysis.failed = false
	analysis.checkInitial()
	analysis.checkIndex()
	analysis.checkTargets()
	analysis.checkForks()
	analysis.checkJoins()
	analysis.checkReachability()
	return !analysis.failed
}

func (analysis *analyzer) checkInitial() {
	if _, err := analysis.model.InitialLeaf(); err != nil {
		analysis.report(err)
	}
}

// checkIndex verifies the tree and the flat index agree: every walked node is
// indexed under its own kind and nothing else is. A mismatch means a kind was
// registered twice.
func (analysis *analyzer) checkIndex() {
	count := 0
	analysis.model.walk(func(node *StateNode) {
		count++
		if indexed, ok := analysis.model.index[node.kind]; !ok || indexed != node {
			analysis.report(fmt.Errorf("%w: %q", ErrDuplicateState, node.kind))
		}
	})
	if count != len(analysis.model.index) {
		analysis.report(fmt.Errorf("%w: tree holds %d states, index holds %d", ErrDuplicateState, count, len(analysis.model.index)))
	}
}

func (analysis *analyzer) checkTargets() {
	for _, definition := range analysis.model.definitions() {
		if len(definition.targets) != len(definition.targetKinds) {
			analysis.report(fmt.Errorf("%w: unresolved targets on trigger %q", ErrUnknownState, definition.trigger))
			continue
		}
		if kind.Is(definition.elementKind, ForkKind) {
			// fork targets may be abstract region roots; entry extends them
			// through their default descent
			continue
		}
		for _, target := range definition.targets {
			if target.IsAbstract() {
				analysis.report(fmt.Errorf("%w: %q on trigger %q", ErrAbstractTarget, target.kind, definition.trigger))
			}
		}
	}
}

// checkForks verifies each fork's targets inhabit distinct concurrent regions
// of a common ancestor.
func (analysis *analyzer) checkForks() {
	for _, definition := range analysis.model.definitions() {
		if !kind.Is(definition.elementKind, ForkKind) || len(definition.targets) != len(definition.targetKinds) {
			continue
		}
		ancestor := analysis.model.lcaOf(definition.targets)
		if ancestor.mode != ModeConcurrent {
			analysis.report(fmt.Errorf("%w: fork on trigger %q targets do not share a concurrent ancestor", ErrInvalidStateMachine, definition.trigger))
			continue
		}
		regions := map[StateKind]struct{}{}
		for _, target := range definition.targets {
			region := regionOf(ancestor, target)
			if region == nil {
				analysis.report(fmt.Errorf("%w: fork target %q lies outside ancestor %q", ErrInvalidStateMachine, target.kind, ancestor.kind))
				continue
			}
			regions[region.kind] = struct{}{}
		}
		if len(regions) != len(definition.targets) {
			analysis.report(fmt.Errorf("%w: fork on trigger %q targets share a region", ErrInvalidStateMachine, definition.trigger))
		}
	}
}

// checkJoins verifies each join's sources are leaves covering exactly the
// concurrent siblings of a common concurrent ancestor.
func (analysis *analyzer) checkJoins() {
	for _, definition := range analysis.model.definitions() {
		if !kind.Is(definition.elementKind, JoinKind) {
			continue
		}
		for _, source := range definition.sources {
			if !source.IsLeaf() {
				analysis.report(fmt.Errorf("%w: join source %q is not a leaf", ErrInvalidStateMachine, source.kind))
			}
		}
		ancestor := analysis.model.lcaOf(definition.sources)
		if ancestor.mode != ModeConcurrent {
			analysis.report(fmt.Errorf("%w: join on trigger %q sources do not share a concurrent ancestor", ErrInvalidStateMachine, definition.trigger))
			continue
		}
		regions := map[StateKind]struct{}{}
		for _, source := range definition.sources {
			region := regionOf(ancestor, source)
			if region == nil {
				continue
			}
			regions[region.kind] = struct{}{}
		}
		if len(regions) != len(ancestor.children) || len(definition.sources) != len(ancestor.children) {
			analysis.report(fmt.Errorf("%w: join on trigger %q must declare one source per region of %q", ErrInvalidStateMachine, definition.trigger, ancestor.kind))
		}
	}
}

// regionOf returns the child of ancestor on node's chain.
func regionOf(ancestor, node *StateNode) *StateNode {
	for current := node; current != nil && !kind.Is(current.elementKind, RootKind); current = current.parent {
		if current.parent == ancestor {
			return current
		}
	}
	return nil
}

// checkReachability walks the transitive closure of entered nodes from the
// initial configuration and reports every leaf left outside it. Guards are
// opaque, so every registered transition counts as takeable.
func (analysis *analyzer) checkReachability() {
	initial, err := analysis.model.InitialLeaf()
	if err != nil {
		return
	}
	reached := map[*StateNode]struct{}{}
	add := func(chains [][]*StateNode) {
		for _, chain := range chains {
			for _, node := range chain {
				reached[node] = struct{}{}
			}
		}
	}
	add(analysis.model.expand([]*StateNode{initial}, nil))
	for changed := true; changed; {
		changed = false
		for _, definition := range analysis.model.definitions() {
			if len(definition.targets) != len(definition.targetKinds) || len(definition.targets) == 0 {
				continue
			}
			takeable := false
			for _, source := range definition.sources {
				if _, ok := reached[source]; ok {
					takeable = true
					break
				}
			}
			if !takeable {
				continue
			}
			before := len(reached)
			add(analysis.model.expand(definition.targets, nil))
			if len(reached) != before {
				changed = true
			}
		}
	}
	analysis.model.walk(func(node *StateNode) {
		if !node.IsLeaf() {
			return
		}
		if _, ok := reached[node]; !ok {
			analysis.report(fmt.Errorf("%w: %q", ErrUnreachableState, node.kind))
		}
	})
}
