package result

import (
	"bytes"
	"fmt"
	"html/template"
	"io"

	"github.com/Masterminds/sprig/v3"
)

const treeTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Name}}: {{.Aggregate}}</title>
<style>
body { font-family: monospace; margin: 24px; }
ul.tree { list-style: none; padding-left: 20px; }
details > summary { cursor: pointer; }
.ok { color: #1a7f37; }
.fail { color: #cf222e; font-weight: bold; }
table.attrs { margin: 4px 0 4px 20px; border-collapse: collapse; }
table.attrs td { border: 1px solid #ddd; padding: 2px 6px; vertical-align: top; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Name}} <span class="{{.Aggregate | lower}}">{{.Aggregate}}</span></h1>
<ul class="tree">
{{template "node" .}}
</ul>
</body>
</html>
{{define "node"}}<li>
<details{{if not .AggregateOK}} open{{end}}>
<summary><span class="{{.Aggregate | lower}}">[{{.Aggregate}}]</span> {{.Name}}{{if ne .Status .Aggregate}} (own: {{.Status}}){{end}}</summary>
{{- if .Attrs}}
<table class="attrs">
{{- range .Attrs}}
<tr><td>{{.Key}}</td><td>{{.Value | trunc 4096}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Children}}
<ul class="tree">
{{- range .Children}}
{{template "node" .}}
{{- end}}
</ul>
{{- end}}
</details>
</li>{{end}}
`

var tree = template.Must(template.New("tree").Funcs(sprig.FuncMap()).Parse(treeTemplate))

type attrView struct {
	Key   string
	Value string
}

type nodeView struct {
	Name        string
	Status      string
	Aggregate   string
	AggregateOK bool
	Attrs       []attrView
	Children    []nodeView
}

func viewOf(n *Node) nodeView {
	agg := n.Aggregate()
	v := nodeView{
		Name:        n.Name,
		Status:      string(n.Status),
		Aggregate:   string(agg),
		AggregateOK: agg.OK(),
	}
	for _, k := range n.SortedAttrKeys() {
		v.Attrs = append(v.Attrs, attrView{Key: k, Value: n.Attributes[k]})
	}
	for _, c := range n.Children {
		v.Children = append(v.Children, viewOf(c))
	}
	return v
}

// RenderHTML writes a static collapsible tree view of n.
// Failing branches are expanded, passing ones collapsed.
func (n *Node) RenderHTML(w io.Writer) error {
	if err := tree.Execute(w, viewOf(n)); err != nil {
		return fmt.Errorf("render %s: %w", n.Name, err)
	}
	return nil
}

// SaveHTML renders n to path.
func (n *Node) SaveHTML(path string) error {
	var buf bytes.Buffer
	if err := n.RenderHTML(&buf); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}
