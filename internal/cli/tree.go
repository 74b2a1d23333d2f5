package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/roach88/backcompat/internal/result"
)

// treeAttrs are the attributes shown inline by printTree. The full set is in
// the JSON and HTML renderings.
var treeAttrs = []string{"api-release", "message", "error", "exit-code", "skipped"}

// printTree writes one line per node, indented by depth, with the node's
// aggregate status.
func printTree(w io.Writer, root *result.Node) {
	root.Walk(func(n *result.Node, depth int) bool {
		fmt.Fprintf(w, "%s[%s] %s", strings.Repeat("  ", depth), n.Aggregate(), n.Name)
		for _, key := range treeAttrs {
			v, ok := n.Attributes[key]
			if !ok {
				continue
			}
			// Messages can span lines; keep the first.
			if i := strings.IndexByte(v, '\n'); i >= 0 {
				v = v[:i] + " ..."
			}
			fmt.Fprintf(w, " %s=%q", key, v)
		}
		fmt.Fprintln(w)
		return true
	})
}

// treeSummary is the JSON form of a result tree in command output.
type treeSummary struct {
	Name      string        `json:"name"`
	Aggregate result.Status `json:"aggregate"`
	Counts    result.Counts `json:"counts"`
	Tree      *result.Node  `json:"tree"`
}

func summarize(root *result.Node) treeSummary {
	return treeSummary{
		Name:      root.Name,
		Aggregate: root.Aggregate(),
		Counts:    root.Count(),
		Tree:      root,
	}
}
