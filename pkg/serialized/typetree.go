package serialized

import (
	"fmt"
	"strings"

	"github.com/EchoTools/patchman/pkg/binio"
)

const (
	// MetaAlign marks a node whose value is followed by padding to four bytes.
	MetaAlign uint32 = 0x4000

	// FlagArray marks an Array node in the type flags byte.
	FlagArray uint8 = 0x01

	commonStringBit = 0x80000000
	refTypeVersion  = 19
)

// TypeNode describes one field of a class layout: its type name, field
// name, fixed byte size (-1 when variable), and children.
type TypeNode struct {
	Type        string
	Name        string
	ByteSize    int32
	Version     uint16
	Flags       uint8
	Index       int32
	MetaFlag    uint32
	RefTypeHash uint64
	Children    []*TypeNode
}

// IsArray reports whether the node is an Array (count followed by elements).
func (n *TypeNode) IsArray() bool { return n.Flags&FlagArray != 0 || n.Type == "Array" }

// Aligned reports whether the value is padded to four bytes after decoding.
func (n *TypeNode) Aligned() bool { return n.MetaFlag&MetaAlign != 0 }

// Child returns the direct child with the given field name.
func (n *TypeNode) Child(name string) *TypeNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *TypeNode) Clone() *TypeNode {
	c := *n
	c.Children = make([]*TypeNode, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.Clone()
	}
	return &c
}

// String renders the tree one node per line, indented by depth.
func (n *TypeNode) String() string {
	var sb strings.Builder
	n.walk(0, func(node *TypeNode, level int) {
		fmt.Fprintf(&sb, "%s%s %s", strings.Repeat("  ", level), node.Type, node.Name)
		if node.Aligned() {
			sb.WriteString(" (align)")
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}

func (n *TypeNode) walk(level int, fn func(*TypeNode, int)) {
	fn(n, level)
	for _, c := range n.Children {
		c.walk(level+1, fn)
	}
}

// decodeTypeTree reads a blob-format type tree: node count, string buffer
// size, the flat node records, then the string buffer.
func decodeTypeTree(r *binio.Reader, version uint32) (*TypeNode, error) {
	nodeCount := r.I32()
	strSize := r.I32()
	if err := r.Err(); err != nil {
		return nil, err
	}

	recordSize := 24
	if version >= refTypeVersion {
		recordSize = 32
	}
	if nodeCount <= 0 || strSize < 0 || int(nodeCount)*recordSize+int(strSize) > r.Remaining() {
		return nil, fmt.Errorf("%w: type tree with %d nodes and %d string bytes", ErrFormat, nodeCount, strSize)
	}

	type record struct {
		node       *TypeNode
		level      uint8
		typeOffset uint32
		nameOffset uint32
	}
	records := make([]record, nodeCount)
	for i := range records {
		n := &TypeNode{}
		n.Version = r.U16()
		records[i].level = r.U8()
		n.Flags = r.U8()
		records[i].typeOffset = r.U32()
		records[i].nameOffset = r.U32()
		n.ByteSize = r.I32()
		n.Index = r.I32()
		n.MetaFlag = r.U32()
		if version >= refTypeVersion {
			n.RefTypeHash = r.U64()
		}
		records[i].node = n
	}
	strs := r.Bytes(int(strSize))
	if err := r.Err(); err != nil {
		return nil, err
	}

	var stack []*TypeNode
	for i, rec := range records {
		var err error
		if rec.node.Type, err = lookupString(strs, rec.typeOffset); err != nil {
			return nil, err
		}
		if rec.node.Name, err = lookupString(strs, rec.nameOffset); err != nil {
			return nil, err
		}

		level := int(rec.level)
		if i == 0 {
			if level != 0 {
				return nil, fmt.Errorf("%w: type tree root at level %d", ErrFormat, level)
			}
			stack = append(stack, rec.node)
			continue
		}
		if level < 1 || level > len(stack) {
			return nil, fmt.Errorf("%w: type tree node %d jumps to level %d", ErrFormat, i, level)
		}
		stack = stack[:level]
		parent := stack[level-1]
		parent.Children = append(parent.Children, rec.node)
		stack = append(stack, rec.node)
	}
	return records[0].node, nil
}

func lookupString(local []byte, offset uint32) (string, error) {
	if offset&commonStringBit != 0 {
		s, ok := commonString(offset &^ commonStringBit)
		if !ok {
			return "", fmt.Errorf("%w: unknown common string offset %d", ErrFormat, offset&^commonStringBit)
		}
		return s, nil
	}
	if int(offset) >= len(local) {
		return "", fmt.Errorf("%w: string offset %d beyond %d byte buffer", ErrFormat, offset, len(local))
	}
	end := int(offset)
	for end < len(local) && local[end] != 0 {
		end++
	}
	return string(local[offset:end]), nil
}

// EncodeTypeTree writes n in blob format. Names found in the common string
// table are referenced there; all others go to the local buffer.
func EncodeTypeTree(w *binio.Writer, n *TypeNode, version uint32) {
	var (
		nodes  []*TypeNode
		levels []uint8
		local  []byte
		seen   = map[string]uint32{}
	)
	n.walk(0, func(node *TypeNode, level int) {
		nodes = append(nodes, node)
		levels = append(levels, uint8(level))
	})
	offset := func(s string) uint32 {
		if off, ok := commonOffset(s); ok {
			return off | commonStringBit
		}
		if off, ok := seen[s]; ok {
			return off
		}
		off := uint32(len(local))
		seen[s] = off
		local = append(append(local, s...), 0)
		return off
	}

	type record struct{ typeOffset, nameOffset uint32 }
	records := make([]record, len(nodes))
	for i, node := range nodes {
		records[i] = record{offset(node.Type), offset(node.Name)}
	}

	w.I32(int32(len(nodes)))
	w.I32(int32(len(local)))
	for i, node := range nodes {
		w.U16(node.Version)
		w.U8(levels[i])
		w.U8(node.Flags)
		w.U32(records[i].typeOffset)
		w.U32(records[i].nameOffset)
		w.I32(node.ByteSize)
		w.I32(int32(i))
		w.U32(node.MetaFlag)
		if version >= refTypeVersion {
			w.U64(node.RefTypeHash)
		}
	}
	w.Raw(local)
}
