// Package diagram renders a frozen state graph as human readable diagram text.
// Supported formats are Graphviz DOT, Mermaid stateDiagram-v2, and
// state-machine-cat.
package diagram

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/statemind/hfsm/elements"
)

// Format selects the output dialect.
type Format string

const (
	DOT     Format = "dot"
	Mermaid Format = "mermaid"
	SMCat   Format = "smcat"
)

// ErrUnknownFormat is returned for formats Generate does not speak.
var ErrUnknownFormat = errors.New("unknown diagram format")

// Generate writes graph to writer in the requested format.
func Generate(writer io.Writer, graph elements.Graph, format Format) error {
	var builder strings.Builder
	switch format {
	case DOT:
		generateDOT(&builder, graph)
	case Mermaid:
		generateMermaid(&builder, graph)
	case SMCat:
		generateSMCat(&builder, graph)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	_, err := io.WriteString(writer, builder.String())
	return err
}

// id rewrites a state kind into an identifier the diagram dialects accept.
func id(name string) string {
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return "_"
	}
	return builder.String()
}

func label(transition elements.Transition) string {
	if transition.Guarded() {
		return transition.Trigger() + " [guarded]"
	}
	return transition.Trigger()
}

/******* DOT *******/

func generateDOT(builder *strings.Builder, graph elements.Graph) {
	fmt.Fprintf(builder, "digraph %s {\n", id(graph.Name()))
	fmt.Fprintln(builder, "  rankdir=LR;")
	fmt.Fprintln(builder, "  compound=true;")
	fmt.Fprintln(builder, "  node [shape=Mrecord];")
	for _, node := range graph.Roots() {
		generateDOTNode(builder, 1, node)
	}
	if initial := graph.Initial(); initial != "" {
		fmt.Fprintln(builder, "  __initial [shape=point];")
		fmt.Fprintf(builder, "  __initial -> %s;\n", id(initial))
	}
	for i, transition := range graph.Transitions() {
		switch transition.Variant() {
		case elements.VariantFork:
			pseudo := fmt.Sprintf("__fork_%d", i)
			fmt.Fprintf(builder, "  %s [shape=point];\n", pseudo)
			fmt.Fprintf(builder, "  %s -> %s [label=%q];\n", id(transition.Sources()[0]), pseudo, label(transition))
			for _, target := range transition.Targets() {
				fmt.Fprintf(builder, "  %s -> %s;\n", pseudo, id(target))
			}
		case elements.VariantJoin:
			pseudo := fmt.Sprintf("__join_%d", i)
			fmt.Fprintf(builder, "  %s [shape=point];\n", pseudo)
			for _, source := range transition.Sources() {
				fmt.Fprintf(builder, "  %s -> %s;\n", id(source), pseudo)
			}
			fmt.Fprintf(builder, "  %s -> %s [label=%q];\n", pseudo, id(transition.Targets()[0]), label(transition))
		default:
			fmt.Fprintf(builder, "  %s -> %s [label=%q];\n", id(transition.Sources()[0]), id(transition.Targets()[0]), label(transition))
		}
	}
	fmt.Fprintln(builder, "}")
}

func generateDOTNode(builder *strings.Builder, depth int, node elements.Node) {
	indent := strings.Repeat("  ", depth)
	children := node.Children()
	if len(children) == 0 {
		fmt.Fprintf(builder, "%s%s [label=%q];\n", indent, id(node.Kind()), node.Kind())
		return
	}
	fmt.Fprintf(builder, "%ssubgraph cluster_%s {\n", indent, id(node.Kind()))
	fmt.Fprintf(builder, "%s  label=%q;\n", indent, node.Kind())
	if node.Mode() == elements.ModeConcurrent {
		fmt.Fprintf(builder, "%s  style=dashed;\n", indent)
	}
	for _, child := range children {
		generateDOTNode(builder, depth+1, child)
	}
	fmt.Fprintf(builder, "%s}\n", indent)
}

/******* Mermaid *******/

func generateMermaid(builder *strings.Builder, graph elements.Graph) {
	fmt.Fprintln(builder, "stateDiagram-v2")
	for _, node := range graph.Roots() {
		generateMermaidNode(builder, 1, node)
	}
	if initial := graph.Initial(); initial != "" {
		fmt.Fprintf(builder, "  [*] --> %s\n", id(initial))
	}
	for i, transition := range graph.Transitions() {
		switch transition.Variant() {
		case elements.VariantFork:
			pseudo := fmt.Sprintf("fork_%d", i)
			fmt.Fprintf(builder, "  state %s <<fork>>\n", pseudo)
			fmt.Fprintf(builder, "  %s --> %s : %s\n", id(transition.Sources()[0]), pseudo, label(transition))
			for _, target := range transition.Targets() {
				fmt.Fprintf(builder, "  %s --> %s\n", pseudo, id(target))
			}
		case elements.VariantJoin:
			pseudo := fmt.Sprintf("join_%d", i)
			fmt.Fprintf(builder, "  state %s <<join>>\n", pseudo)
			for _, source := range transition.Sources() {
				fmt.Fprintf(builder, "  %s --> %s\n", id(source), pseudo)
			}
			fmt.Fprintf(builder, "  %s --> %s : %s\n", pseudo, id(transition.Targets()[0]), label(transition))
		default:
			fmt.Fprintf(builder, "  %s --> %s : %s\n", id(transition.Sources()[0]), id(transition.Targets()[0]), label(transition))
		}
	}
}

func generateMermaidNode(builder *strings.Builder, depth int, node elements.Node) {
	indent := strings.Repeat("  ", depth)
	children := node.Children()
	if len(children) == 0 {
		fmt.Fprintf(builder, "%s%s\n", indent, id(node.Kind()))
		return
	}
	fmt.Fprintf(builder, "%sstate %s {\n", indent, id(node.Kind()))
	for i, child := range children {
		if i > 0 && node.Mode() == elements.ModeConcurrent {
			fmt.Fprintf(builder, "%s  --\n", indent)
		}
		generateMermaidNode(builder, depth+1, child)
	}
	fmt.Fprintf(builder, "%s}\n", indent)
}

/******* state-machine-cat *******/

func generateSMCat(builder *strings.Builder, graph elements.Graph) {
	roots := graph.Roots()
	for i, node := range roots {
		generateSMCatNode(builder, 0, node)
		if i < len(roots)-1 {
			builder.WriteString(",\n")
		}
	}
	builder.WriteString(";\n")
	if initial := graph.Initial(); initial != "" {
		fmt.Fprintf(builder, "initial => %s;\n", id(initial))
	}
	for _, transition := range graph.Transitions() {
		switch transition.Variant() {
		case elements.VariantFork:
			for _, target := range transition.Targets() {
				fmt.Fprintf(builder, "%s => %s : %s;\n", id(transition.Sources()[0]), id(target), label(transition))
			}
		case elements.VariantJoin:
			for _, source := range transition.Sources() {
				fmt.Fprintf(builder, "%s => %s : %s;\n", id(source), id(transition.Targets()[0]), label(transition))
			}
		default:
			fmt.Fprintf(builder, "%s => %s : %s;\n", id(transition.Sources()[0]), id(transition.Targets()[0]), label(transition))
		}
	}
}

func generateSMCatNode(builder *strings.Builder, depth int, node elements.Node) {
	indent := strings.Repeat("  ", depth)
	children := node.Children()
	if len(children) == 0 {
		fmt.Fprintf(builder, "%s%s", indent, id(node.Kind()))
		return
	}
	fmt.Fprintf(builder, "%s%s", indent, id(node.Kind()))
	if node.Mode() == elements.ModeConcurrent {
		builder.WriteString(" [type=parallel]")
	}
	builder.WriteString(" {\n")
	for i, child := range children {
		generateSMCatNode(builder, depth+1, child)
		if i < len(children)-1 {
			builder.WriteString(",")
		}
		builder.WriteString("\n")
	}
	fmt.Fprintf(builder, "%s}", indent)
}
