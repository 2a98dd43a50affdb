package backend

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UINode is one element of the UI tree.
type UINode struct {
	Name         string   `json:"name,omitempty"`
	ControlType  string   `json:"control_type"`
	AutomationID string   `json:"automation_id,omitempty"`
	ClassName    string   `json:"class_name,omitempty"`
	IsEnabled    bool     `json:"is_enabled"`
	Rect         *Rect    `json:"rect,omitempty"`
	Children     []UINode `json:"children,omitempty"`
}

func (n UINode) anonymous() bool {
	return strings.TrimSpace(n.Name) == "" && strings.TrimSpace(n.AutomationID) == ""
}

// RenderTreeText renders nodes as an indented outline. Anonymous nodes are
// omitted and their children are lifted to the node's own depth.
func RenderTreeText(nodes []UINode) string {
	var b strings.Builder
	renderText(&b, nodes, 0)
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "(no named controls found)"
	}
	return out
}

func renderText(b *strings.Builder, nodes []UINode, depth int) {
	for _, n := range nodes {
		if n.anonymous() {
			renderText(b, n.Children, depth)
			continue
		}
		b.WriteString(strings.Repeat("  ", depth))
		controlType := n.ControlType
		if controlType == "" {
			controlType = "Unknown"
		}
		fmt.Fprintf(b, "- %s", controlType)
		if n.AutomationID != "" {
			fmt.Fprintf(b, " (ID: '%s')", n.AutomationID)
		}
		fmt.Fprintf(b, ": '%s'", n.Name)
		if !n.IsEnabled {
			b.WriteString(" [disabled]")
		}
		b.WriteByte('\n')
		renderText(b, n.Children, depth+1)
	}
}

// RenderTreeJSON renders the tree with anonymous nodes pruned the same way
// as the text form.
func RenderTreeJSON(nodes []UINode) (string, error) {
	out, err := json.MarshalIndent(prune(nodes), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode UI tree: %w", err)
	}
	return string(out), nil
}

func prune(nodes []UINode) []UINode {
	out := make([]UINode, 0, len(nodes))
	for _, n := range nodes {
		if n.anonymous() {
			out = append(out, prune(n.Children)...)
			continue
		}
		n.Children = prune(n.Children)
		if len(n.Children) == 0 {
			n.Children = nil
		}
		out = append(out, n)
	}
	return out
}
