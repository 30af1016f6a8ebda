// Package filetree carries the virtual file tree shared by a room.
//
// A tree is kept as the JSON array the client sent. Its shape is never
// validated and fields the server does not know about are relayed as is.
// Nodes are identified by "id", not by "name": siblings may share a name,
// and clients resolve rename/delete targets by id.
package filetree

import (
	"bytes"
	"errors"
	"path"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var errInvalid = errors.New("filetree: invalid JSON")

// Tree is the raw JSON of a room's top-level node list.
type Tree []byte

// MarshalJSON emits the tree bytes unchanged. An empty tree is null.
func (t Tree) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// UnmarshalJSON keeps a copy of the raw value.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = nil
		return nil
	}
	*t = bytes.Clone(data)
	return nil
}

// Parse checks that data is well-formed JSON and returns it as a Tree.
func Parse(data []byte) (Tree, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, errInvalid
	}
	return Tree(bytes.Clone(data)), nil
}

// Clone returns an independent copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	return bytes.Clone(t)
}

// edit replaces raw[at:at+del] with text.
type edit struct {
	at, del int
	text    string
}

// AssignIDs returns a copy of t in which every object node whose "id" is
// missing, null or "" has been given a fresh UUID. Existing ids are kept
// so a client's references stay valid across broadcasts. Every other byte
// of the tree is left as sent.
func AssignIDs(t Tree) Tree {
	raw := bytes.TrimSpace(t)
	if len(raw) == 0 {
		return nil
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return bytes.Clone(raw)
	}

	var edits []edit
	var visit func(nodes gjson.Result)
	visit = func(nodes gjson.Result) {
		nodes.ForEach(func(_, node gjson.Result) bool {
			if !node.IsObject() {
				return true
			}
			var (
				id       gjson.Result
				children gjson.Result
				empty    = true
			)
			node.ForEach(func(key, value gjson.Result) bool {
				empty = false
				switch key.Str {
				case "id":
					id = value
				case "children":
					children = value
				}
				return true
			})

			if !keepID(id) {
				quoted := strconv.Quote(uuid.NewString())
				switch {
				case id.Exists():
					edits = append(edits, edit{at: id.Index, del: len(id.Raw), text: quoted})
				case empty:
					edits = append(edits, edit{at: node.Index + 1, text: `"id":` + quoted})
				default:
					edits = append(edits, edit{at: node.Index + 1, text: `"id":` + quoted + ","})
				}
			}
			if children.IsArray() {
				visit(children)
			}
			return true
		})
	}
	visit(root)

	out := bytes.Clone(raw)
	sort.Slice(edits, func(i, j int) bool { return edits[i].at > edits[j].at })
	for _, e := range edits {
		out = append(out[:e.at], append([]byte(e.text), out[e.at+e.del:]...)...)
	}
	return out
}

// keepID reports whether id is a usable identifier: present, not null and
// not an empty string.
func keepID(id gjson.Result) bool {
	switch id.Type {
	case gjson.Null:
		return false
	case gjson.String:
		return id.Str != ""
	default:
		return true
	}
}

// DuplicateNames returns the paths that more than one sibling resolves to.
func DuplicateNames(t Tree) []string {
	var dups []string
	var check func(nodes gjson.Result, parent string)
	check = func(nodes gjson.Result, parent string) {
		seen := make(map[string]int)
		nodes.ForEach(func(_, node gjson.Result) bool {
			name := node.Get("name").String()
			seen[name]++
			if seen[name] == 2 {
				dups = append(dups, path.Join(parent, name))
			}
			return true
		})
		nodes.ForEach(func(_, node gjson.Result) bool {
			if children := node.Get("children"); children.IsArray() {
				check(children, path.Join(parent, node.Get("name").String()))
			}
			return true
		})
	}
	root := gjson.ParseBytes(t)
	if root.IsArray() {
		check(root, "")
	}
	return dups
}
