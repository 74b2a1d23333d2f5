package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ParseError is returned when a persisted result tree cannot be decoded.
type ParseError struct {
	Source string // file path or "<reader>"
	Node   string // slash-separated path of the offending node, if known
	Err    error
}

func (e *ParseError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("parse %s: node %s: %v", e.Source, e.Node, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type wireNode struct {
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Aggregate  string            `json:"aggregate,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Children   []*wireNode       `json:"children,omitempty"`
	Siblings   []*wireNode       `json:"siblings,omitempty"`
}

func (n *Node) toWire() *wireNode {
	w := &wireNode{
		Name:      n.Name,
		Status:    string(n.Status),
		Aggregate: string(n.Aggregate()),
	}
	if len(n.Attributes) > 0 {
		w.Attributes = n.Attributes
	}
	for _, c := range n.Children {
		w.Children = append(w.Children, c.toWire())
	}
	return w
}

// fromWire validates w and builds a Node. path locates w for error messages.
func fromWire(w *wireNode, path string) (*Node, *ParseError) {
	if w == nil {
		return nil, &ParseError{Node: path, Err: fmt.Errorf("null node")}
	}
	if w.Name == "" {
		return nil, &ParseError{Node: path, Err: fmt.Errorf("name is required")}
	}
	here := path + "/" + w.Name

	status, err := ParseStatus(w.Status)
	if err != nil {
		return nil, &ParseError{Node: here, Err: err}
	}

	n := New(w.Name, status, w.Attributes)
	kids := w.Children
	if len(kids) == 0 {
		kids = w.Siblings
	}
	for _, kw := range kids {
		child, perr := fromWire(kw, here)
		if perr != nil {
			return nil, perr
		}
		n.AddChild(child)
	}
	return n, nil
}

// MarshalJSON encodes the node in the persisted shape.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.toWire())
}

// UnmarshalJSON decodes and validates the persisted shape.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, perr := fromWire(&w, "")
	if perr != nil {
		return perr
	}
	*n = *parsed
	return nil
}

// Decode reads a tree from r.
// Any failure is reported as a *ParseError.
func Decode(r io.Reader) (*Node, error) {
	return decode(r, "<reader>")
}

func decode(r io.Reader, source string) (*Node, error) {
	var w wireNode
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Source: source, Err: fmt.Errorf("trailing data after result object")}
	}
	n, perr := fromWire(&w, "")
	if perr != nil {
		perr.Source = source
		return nil, perr
	}
	return n, nil
}

// Load reads a tree from a JSON file.
// A missing file is returned unwrapped so callers can test os.ErrNotExist.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Source: path, Err: fmt.Errorf("empty file")}
	}
	return decode(bytes.NewReader(data), path)
}

// Encode writes n as indented JSON followed by a newline.
func (n *Node) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(n.toWire())
}

// Save writes n to path, replacing the file atomically.
func (n *Node) Save(path string) error {
	var buf bytes.Buffer
	if err := n.Encode(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+strings.TrimPrefix(filepath.Base(path), ".")+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
