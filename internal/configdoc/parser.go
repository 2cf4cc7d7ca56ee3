// Package configdoc parses XML configuration exports into grouped entries.
//
// Every direct child of the root element is a group, named by its "name"
// attribute or its tag. Each element child of a group is one entry whose
// fields are its attributes and the text of its descendants, keyed by
// dotted path. A group element without element children is itself the
// single entry of its group. Groups sharing a name are merged in document
// order.
package configdoc

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/mohans/auditx/internal/compliance"
)

type node struct {
	name     string
	attrs    []xml.Attr
	children []*node
	text     strings.Builder
}

func (n *node) attr(key string) string {
	for _, a := range n.attrs {
		if a.Name.Local == key {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// Parser implements compliance.Parser for XML documents.
type Parser struct{}

func (Parser) Parse(ctx context.Context, data []byte) (*compliance.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := decodeTree(data)
	if err != nil {
		return nil, err
	}

	doc := &compliance.Document{}
	index := make(map[string]int)
	for _, g := range root.children {
		name := g.attr("name")
		if name == "" {
			name = g.name
		}
		i, ok := index[name]
		if !ok {
			i = len(doc.Groups)
			index[name] = i
			doc.Groups = append(doc.Groups, compliance.Group{Name: name})
		}
		items := g.children
		if len(items) == 0 {
			items = []*node{g}
		}
		for _, item := range items {
			pos := len(doc.Groups[i].Entries)
			doc.Groups[i].Entries = append(doc.Groups[i].Entries, toEntry(name, item, pos))
		}
	}
	return doc, nil
}

func decodeTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	// exports often declare ISO-8859-1 or windows-1252
	dec.CharsetReader = charset.NewReaderLabel
	var root *node
	var stack []*node
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements (%s after %s)", n.name, root.name)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return nil, errors.New("text outside the root element")
			}
		}
	}
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	return root, nil
}

func toEntry(group string, n *node, pos int) compliance.Entry {
	fields := make(map[string]string)
	flatten(fields, "", n)
	name := n.attr("name")
	if name == "" {
		name = n.attr("id")
	}
	if name == "" {
		name = fields["name"]
	}
	if name == "" {
		name = fmt.Sprintf("%s[%d]", n.name, pos)
	}
	return compliance.Entry{Group: group, Name: name, Fields: fields}
}

func flatten(fields map[string]string, prefix string, n *node) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + "." + key
	}
	for _, a := range n.attrs {
		put(fields, join(a.Name.Local), a.Value)
	}
	if len(n.children) == 0 {
		if text := strings.TrimSpace(n.text.String()); text != "" {
			key := prefix
			if key == "" {
				key = "value"
			}
			put(fields, key, text)
		}
		return
	}
	for _, c := range n.children {
		flatten(fields, join(c.name), c)
	}
}

// put stores value under key, suffixing repeated keys with their ordinal.
func put(fields map[string]string, key, value string) {
	if _, ok := fields[key]; !ok {
		fields[key] = value
		return
	}
	for i := 2; ; i++ {
		k := fmt.Sprintf("%s[%d]", key, i)
		if _, ok := fields[k]; !ok {
			fields[k] = value
			return
		}
	}
}
