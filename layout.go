package traysync

import (
	"fmt"
	"maps"
	"slices"

	"github.com/godbus/dbus/v5"
)

// RootNodeID is the ID of the root node of every menu.
const RootNodeID int32 = 0

// Node is a single entry of a menu: a standard item, a separator, or a
// submenu. Children are referenced by ID within the owning [Layout].
//
// Nodes are immutable.
type Node struct {
	ID         int32
	Properties map[string]Value
	Children   []int32
}

func (n *Node) str(key, fallback string) string {
	if s, ok := n.Properties[key].Str(); ok {
		return s
	}
	return fallback
}

func (n *Node) boolean(key string, fallback bool) bool {
	if b, ok := n.Properties[key].Bool(); ok {
		return b
	}
	return fallback
}

// Label returns text of the node. An underscore marks the access key.
func (n *Node) Label() string { return n.str("label", "") }

// Visible reports whether the node should be shown.
func (n *Node) Visible() bool { return n.boolean("visible", true) }

// Enabled reports whether the node can be activated.
func (n *Node) Enabled() bool { return n.boolean("enabled", true) }

// Type returns "standard" or "separator".
func (n *Node) Type() string { return n.str("type", "standard") }

// IsSeparator reports whether the node is a separator.
func (n *Node) IsSeparator() bool { return n.Type() == "separator" }

// IconName returns the themed icon name of the node.
func (n *Node) IconName() string { return n.str("icon-name", "") }

// IconData returns the PNG data of the icon of the node.
func (n *Node) IconData() []byte {
	data, _ := n.Properties["icon-data"].Bytes()
	return data
}

// ToggleType returns "checkmark", "radio", or "none".
func (n *Node) ToggleType() string {
	if t := n.str("toggle-type", ""); t != "" {
		return t
	}
	return "none"
}

// ToggleState returns 0 for off, 1 for on, and -1 for indeterminate.
func (n *Node) ToggleState() int {
	if state, ok := n.Properties["toggle-state"].Int(); ok {
		return int(state)
	}
	return -1
}

// ChildrenDisplay returns "submenu" if the node has children, "normal"
// otherwise.
func (n *Node) ChildrenDisplay() string {
	if display := n.str("children-display", ""); display != "" {
		return display
	}
	return "normal"
}

// IsSubmenu reports whether the node opens a submenu. Children of a submenu
// may be populated only after [MenuTree.EnsureExpanded].
func (n *Node) IsSubmenu() bool { return n.ChildrenDisplay() == "submenu" }

// MenuMeta holds properties of the menu object itself.
type MenuMeta struct {
	// Version of the com.canonical.dbusmenu interface.
	Version uint32

	// Status of the application, whether it requires attention. Possible
	// values are "normal" (for most cases) and "notice" (a higher priority to
	// be shown).
	Status string

	// TextDirection is either "ltr" or "rtl".
	TextDirection string

	IconThemePath []string
}

// Layout is an immutable snapshot of a menu tree. Nodes form an arena keyed
// by node ID.
type Layout struct {
	Revision uint32
	Meta     MenuMeta
	Nodes    map[int32]*Node
}

// Root returns the root node.
func (l *Layout) Root() *Node {
	return l.Nodes[RootNodeID]
}

// Node returns the node with the given ID.
func (l *Layout) Node(id int32) (*Node, bool) {
	node, ok := l.Nodes[id]
	return node, ok
}

// Children returns the children of node id in order.
func (l *Layout) Children(id int32) []*Node {
	parent, ok := l.Nodes[id]
	if !ok {
		return nil
	}

	children := make([]*Node, 0, len(parent.Children))
	for _, childID := range parent.Children {
		if child, ok := l.Nodes[childID]; ok {
			children = append(children, child)
		}
	}

	return children
}

// Len returns the number of nodes in the layout.
func (l *Layout) Len() int {
	return len(l.Nodes)
}

// Walk visits the tree depth-first starting at the root. Returning false from
// fn skips the children of the node.
func (l *Layout) Walk(fn func(node *Node, depth int) bool) {
	var walk func(id int32, depth int)
	walk = func(id int32, depth int) {
		node, ok := l.Nodes[id]
		if !ok || !fn(node, depth) {
			return
		}
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}

	walk(RootNodeID, 0)
}

// decodeLayout flattens a layout node, (ia{sv}av) on the wire, and its
// descendants into an arena. It returns ID of the top node.
//
// Malformed children and children with duplicate IDs are skipped.
func decodeLayout(data any) (int32, map[int32]*Node, error) {
	nodes := make(map[int32]*Node)

	id, err := decodeLayoutNode(data, nodes)
	if err != nil {
		return 0, nil, err
	}

	return id, nodes, nil
}

func decodeLayoutNode(data any, nodes map[int32]*Node) (int32, error) {
	if variant, ok := data.(dbus.Variant); ok {
		data = variant.Value()
	}

	arr, ok := data.([]any)
	if !ok || len(arr) != 3 {
		return 0, fmt.Errorf("menu node: invalid format")
	}

	id, ok := arr[0].(int32)
	if !ok {
		return 0, fmt.Errorf("menu node: invalid id")
	}

	if _, exists := nodes[id]; exists {
		return 0, fmt.Errorf("menu node: duplicate id %d", id)
	}

	props, ok := arr[1].(map[string]dbus.Variant)
	if !ok {
		return 0, fmt.Errorf("menu node: invalid props")
	}

	children, ok := arr[2].([]dbus.Variant)
	if !ok {
		return 0, fmt.Errorf("menu node: invalid children")
	}

	node := &Node{
		ID:         id,
		Properties: decodeProperties(props),
		Children:   make([]int32, 0, len(children)),
	}
	nodes[id] = node

	for _, child := range children {
		childID, err := decodeLayoutNode(child.Value(), nodes)
		if err != nil {
			continue
		}

		node.Children = append(node.Children, childID)
	}

	return id, nil
}

// spliceLayout returns a copy of nodes where the subtree rooted at the top of
// subtree replaces the previous subtree with the same root. Previous
// descendants are dropped.
func spliceLayout(nodes map[int32]*Node, top int32, subtree map[int32]*Node) map[int32]*Node {
	next := maps.Clone(nodes)

	var drop func(id int32)
	drop = func(id int32) {
		node, ok := next[id]
		if !ok {
			return
		}
		delete(next, id)
		for _, child := range node.Children {
			drop(child)
		}
	}

	drop(top)

	for id, node := range subtree {
		next[id] = node
	}

	return next
}

// UpdatedProperties represents updated properties of a specific layout node.
type UpdatedProperties struct {
	NodeID     int32
	Properties map[string]Value
}

// RemovedProperties represents removed properties of a specific layout node.
type RemovedProperties struct {
	NodeID     int32
	Properties []string
}

// mergeProperties returns a copy of nodes with property changes applied, and
// the sorted IDs of the nodes that were touched. Unknown nodes are ignored.
func mergeProperties(nodes map[int32]*Node, updated []UpdatedProperties, removed []RemovedProperties) (map[int32]*Node, []int32) {
	next := maps.Clone(nodes)
	touched := make(map[int32]struct{})

	mutable := func(id int32) *Node {
		node, ok := next[id]
		if !ok {
			return nil
		}

		if _, copied := touched[id]; !copied {
			node = &Node{
				ID:         node.ID,
				Properties: maps.Clone(node.Properties),
				Children:   node.Children,
			}
			if node.Properties == nil {
				node.Properties = make(map[string]Value)
			}
			next[id] = node
			touched[id] = struct{}{}
		}

		return node
	}

	for _, up := range updated {
		node := mutable(up.NodeID)
		if node == nil {
			continue
		}

		for key, value := range up.Properties {
			node.Properties[key] = value
		}
	}

	for _, rp := range removed {
		node := mutable(rp.NodeID)
		if node == nil {
			continue
		}

		for _, key := range rp.Properties {
			delete(node.Properties, key)
		}
	}

	ids := slices.Sorted(maps.Keys(touched))

	return next, ids
}
