package serialized

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/EchoTools/patchman/pkg/binio"
)

// Kind is the value category of a Field.
type Kind uint8

const (
	KindComposite Kind = iota
	KindArray
	KindBool
	KindInt8
	KindUInt8
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
)

var kindNames = [...]string{
	KindComposite: "composite",
	KindArray:     "array",
	KindBool:      "bool",
	KindInt8:      "int8",
	KindUInt8:     "uint8",
	KindInt16:     "int16",
	KindUInt16:    "uint16",
	KindInt32:     "int32",
	KindUInt32:    "uint32",
	KindInt64:     "int64",
	KindUInt64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindString:    "string",
	KindBytes:     "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsLeaf reports whether values of this kind carry data directly.
func (k Kind) IsLeaf() bool { return k != KindComposite && k != KindArray }

func (k Kind) signed() bool {
	return k == KindInt8 || k == KindInt16 || k == KindInt32 || k == KindInt64
}

func (k Kind) unsigned() bool {
	return k == KindUInt8 || k == KindUInt16 || k == KindUInt32 || k == KindUInt64
}

// size is the encoded width of a fixed-size kind.
func (k Kind) size() int {
	switch k {
	case KindBool, KindInt8, KindUInt8:
		return 1
	case KindInt16, KindUInt16:
		return 2
	case KindInt32, KindUInt32, KindFloat32:
		return 4
	case KindInt64, KindUInt64, KindFloat64:
		return 8
	}
	return 0
}

// primitiveKinds maps engine type names to fixed-width kinds.
var primitiveKinds = map[string]Kind{
	"bool":               KindBool,
	"SInt8":              KindInt8,
	"UInt8":              KindUInt8,
	"char":               KindUInt8,
	"SInt16":             KindInt16,
	"short":              KindInt16,
	"UInt16":             KindUInt16,
	"unsigned short":     KindUInt16,
	"int":                KindInt32,
	"SInt32":             KindInt32,
	"Type*":              KindInt32,
	"UInt32":             KindUInt32,
	"unsigned int":       KindUInt32,
	"float":              KindFloat32,
	"SInt64":             KindInt64,
	"long long":          KindInt64,
	"FileSize":           KindInt64,
	"UInt64":             KindUInt64,
	"unsigned long long": KindUInt64,
	"double":             KindFloat64,
}

// PrimitiveSize returns the encoded width of a fixed-size engine type name.
func PrimitiveSize(typeName string) (int, bool) {
	k, ok := primitiveKinds[typeName]
	if !ok {
		return 0, false
	}
	return k.size(), true
}

// Field is a decoded value in an object's field tree. Composite and array
// fields hold children; leaf fields hold a value.
type Field struct {
	Name     string
	Type     string
	Kind     Kind
	Children []*Field

	node  *TypeNode
	bits  uint64
	str   string
	bytes []byte
	owner *Object
}

// Node returns the layout node the field was decoded from.
func (f *Field) Node() *TypeNode { return f.node }

// Child returns the direct child with the given name, or nil.
func (f *Field) Child(name string) *Field {
	for _, c := range f.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Lookup follows a path of child names from f.
func (f *Field) Lookup(path ...string) (*Field, error) {
	cur := f
	for i, name := range path {
		next := cur.Child(name)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(path[:i+1], "."))
		}
		cur = next
	}
	return cur, nil
}

// Has reports whether the path resolves.
func (f *Field) Has(path ...string) bool {
	_, err := f.Lookup(path...)
	return err == nil
}

func (f *Field) mismatch(want string) error {
	return fmt.Errorf("%w: %s is %s (%s), not %s", ErrTypeMismatch, f.Name, f.Type, f.Kind, want)
}

// AsInt returns the value of an integer or bool leaf.
func (f *Field) AsInt() (int64, error) {
	switch {
	case f.Kind.signed():
		return signExtend(f.bits, f.Kind.size()), nil
	case f.Kind.unsigned():
		if f.bits > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s value %d overflows int64", ErrTypeMismatch, f.Name, f.bits)
		}
		return int64(f.bits), nil
	case f.Kind == KindBool:
		return int64(f.bits), nil
	}
	return 0, f.mismatch("integer")
}

// AsUint returns the value of a non-negative integer leaf.
func (f *Field) AsUint() (uint64, error) {
	if f.Kind.unsigned() {
		return f.bits, nil
	}
	v, err := f.AsInt()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s value %d is negative", ErrTypeMismatch, f.Name, v)
	}
	return uint64(v), nil
}

// AsFloat returns the value of a float leaf.
func (f *Field) AsFloat() (float64, error) {
	switch f.Kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(f.bits))), nil
	case KindFloat64:
		return math.Float64frombits(f.bits), nil
	}
	return 0, f.mismatch("float")
}

// AsBool returns the value of a bool leaf.
func (f *Field) AsBool() (bool, error) {
	if f.Kind != KindBool {
		return false, f.mismatch("bool")
	}
	return f.bits != 0, nil
}

// AsString returns the value of a string leaf.
func (f *Field) AsString() (string, error) {
	if f.Kind != KindString {
		return "", f.mismatch("string")
	}
	return f.str, nil
}

// AsBytes returns the value of a byte-array leaf.
func (f *Field) AsBytes() ([]byte, error) {
	if f.Kind != KindBytes {
		return nil, f.mismatch("bytes")
	}
	return f.bytes, nil
}

// Value returns the leaf value as a Go value, or nil for composites and arrays.
func (f *Field) Value() any {
	switch {
	case f.Kind.signed():
		v, _ := f.AsInt()
		return v
	case f.Kind.unsigned():
		return f.bits
	}
	switch f.Kind {
	case KindBool:
		return f.bits != 0
	case KindFloat32, KindFloat64:
		v, _ := f.AsFloat()
		return v
	case KindString:
		return f.str
	case KindBytes:
		return f.bytes
	}
	return nil
}

// Set stores value in a leaf field. Integer leaves accept any Go integer
// that fits their declared width, float leaves accept float32 or float64,
// string leaves accept string, and byte-array leaves accept []byte. When the
// field belongs to an object whose layout does not cover all of its bytes,
// a write that changes the object's encoded length is refused and the
// previous value kept.
func (f *Field) Set(value any) error {
	prev := *f

	var before int
	resizable := f.Kind == KindString || f.Kind == KindBytes
	if resizable && f.owner != nil && f.owner.tail != nil {
		before = f.owner.encodedLen()
	}

	if err := f.assign(value); err != nil {
		return err
	}

	if resizable && f.owner != nil && f.owner.tail != nil {
		if after := f.owner.encodedLen(); after != before {
			*f = prev
			return fmt.Errorf("%w: %s would change object %d from %d to %d bytes", ErrUnsupportedResize, f.Name, f.owner.PathID, before, after)
		}
	}
	if f.owner != nil {
		f.owner.dirty = true
	}
	return nil
}

func (f *Field) assign(value any) error {
	switch {
	case f.Kind.signed(), f.Kind.unsigned():
		return f.assignInt(value)
	}

	switch f.Kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return f.mismatchValue(value)
		}
		f.bits = 0
		if v {
			f.bits = 1
		}
	case KindFloat32:
		switch v := value.(type) {
		case float32:
			f.bits = uint64(math.Float32bits(v))
		case float64:
			f.bits = uint64(math.Float32bits(float32(v)))
		default:
			return f.mismatchValue(value)
		}
	case KindFloat64:
		switch v := value.(type) {
		case float32:
			f.bits = math.Float64bits(float64(v))
		case float64:
			f.bits = math.Float64bits(v)
		default:
			return f.mismatchValue(value)
		}
	case KindString:
		v, ok := value.(string)
		if !ok {
			return f.mismatchValue(value)
		}
		f.str = v
	case KindBytes:
		v, ok := value.([]byte)
		if !ok {
			return f.mismatchValue(value)
		}
		f.bytes = append([]byte(nil), v...)
	default:
		return fmt.Errorf("%w: %s is a %s field", ErrTypeMismatch, f.Name, f.Kind)
	}
	return nil
}

func (f *Field) mismatchValue(value any) error {
	return fmt.Errorf("%w: cannot store %T in %s (%s)", ErrTypeMismatch, value, f.Name, f.Type)
}

func (f *Field) assignInt(value any) error {
	var (
		i        int64
		u        uint64
		negative bool
	)
	switch v := value.(type) {
	case int:
		i = int64(v)
	case int8:
		i = int64(v)
	case int16:
		i = int64(v)
	case int32:
		i = int64(v)
	case int64:
		i = v
	case uint:
		u = uint64(v)
	case uint8:
		u = uint64(v)
	case uint16:
		u = uint64(v)
	case uint32:
		u = uint64(v)
	case uint64:
		u = v
	default:
		return f.mismatchValue(value)
	}
	switch value.(type) {
	case int, int8, int16, int32, int64:
		negative = i < 0
		if !negative {
			u = uint64(i)
		}
	}

	bits := uint(f.Kind.size() * 8)
	if f.Kind.signed() {
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if negative {
			if i < lo {
				return f.outOfRange(value)
			}
			f.bits = uint64(i) & widthMask(bits)
			return nil
		}
		if u > uint64(hi) {
			return f.outOfRange(value)
		}
		f.bits = u
		return nil
	}

	if negative || u > widthMask(bits) {
		return f.outOfRange(value)
	}
	f.bits = u
	return nil
}

func (f *Field) outOfRange(value any) error {
	return fmt.Errorf("%w: %v out of range for %s (%s)", ErrTypeMismatch, value, f.Name, f.Type)
}

func widthMask(bits uint) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<bits - 1
}

func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

// Walk calls fn for f and every descendant, depth first, with the dotted path.
func (f *Field) Walk(fn func(path string, field *Field)) {
	f.walk("", fn)
}

func (f *Field) walk(prefix string, fn func(string, *Field)) {
	path := f.Name
	if prefix != "" {
		path = prefix + "." + f.Name
	}
	fn(path, f)
	for _, c := range f.Children {
		c.walk(path, fn)
	}
}

// elementNode returns the element layout of an Array node.
func elementNode(n *TypeNode) (*TypeNode, error) {
	if len(n.Children) < 2 {
		return nil, fmt.Errorf("%w: array %s has %d children", ErrFormat, n.Name, len(n.Children))
	}
	return n.Children[1], nil
}

// byteElement reports whether an array of elem is stored as a byte-array leaf.
func byteElement(elem *TypeNode) bool {
	k, ok := primitiveKinds[elem.Type]
	return ok && k.size() == 1 && len(elem.Children) == 0
}

// stringAligned reports whether a string node is followed by padding. The
// flag sits on the node or on its Array child depending on the layout source.
func stringAligned(n *TypeNode) bool {
	return n.Aligned() || (len(n.Children) > 0 && n.Children[0].Aligned())
}

// NewTree builds a field tree of zero values for a layout.
func NewTree(n *TypeNode) (*Field, error) {
	return newField(n, nil)
}

func newField(n *TypeNode, owner *Object) (*Field, error) {
	f := &Field{Name: n.Name, Type: n.Type, node: n, owner: owner}
	switch {
	case n.Type == "string":
		f.Kind = KindString
	case n.Type == "TypelessData":
		f.Kind = KindBytes
	case n.IsArray():
		elem, err := elementNode(n)
		if err != nil {
			return nil, err
		}
		f.Kind = KindArray
		if byteElement(elem) {
			f.Kind = KindBytes
		}
	default:
		if k, ok := primitiveKinds[n.Type]; ok && len(n.Children) == 0 {
			f.Kind = k
			break
		}
		f.Kind = KindComposite
		for _, c := range n.Children {
			child, err := newField(c, owner)
			if err != nil {
				return nil, err
			}
			f.Children = append(f.Children, child)
		}
	}
	return f, nil
}

// decoder reads a field tree from one object's bytes. Alignment is relative
// to the start of the object.
type decoder struct {
	r       *binio.Reader
	owner   *Object
	clipped int
}

func (d *decoder) align() {
	if rem := d.r.Pos() % 4; rem != 0 {
		next := d.r.Pos() + 4 - rem
		if next > d.r.Len() {
			// Trailing padding of the last field may be omitted.
			d.clipped = next - d.r.Len()
			next = d.r.Len()
		}
		d.r.Seek(next)
	}
}

func (d *decoder) count(minSize int) (int, error) {
	n := d.r.I32()
	if err := d.r.Err(); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative array length %d at offset %d", ErrFormat, n, d.r.Pos()-4)
	}
	if minSize > 0 && int64(n)*int64(minSize) > int64(d.r.Remaining()) {
		return 0, fmt.Errorf("%w: array of %d elements at offset %d", ErrTruncated, n, d.r.Pos()-4)
	}
	return int(n), nil
}

func (d *decoder) read(n *TypeNode) (*Field, error) {
	f := &Field{Name: n.Name, Type: n.Type, node: n, owner: d.owner}

	switch {
	case n.Type == "string":
		size, err := d.count(1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		f.Kind = KindString
		f.str = string(d.r.Bytes(size))
		if stringAligned(n) {
			d.align()
		}

	case n.Type == "TypelessData":
		size, err := d.count(1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		f.Kind = KindBytes
		f.bytes = append([]byte(nil), d.r.Bytes(size)...)

	case n.IsArray():
		elem, err := elementNode(n)
		if err != nil {
			return nil, err
		}
		if byteElement(elem) {
			size, err := d.count(1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", n.Name, err)
			}
			f.Kind = KindBytes
			f.bytes = append([]byte(nil), d.r.Bytes(size)...)
			break
		}
		minSize := 0
		if k, ok := primitiveKinds[elem.Type]; ok {
			minSize = k.size()
		}
		size, err := d.count(minSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		f.Kind = KindArray
		f.Children = make([]*Field, 0, min(size, 1024))
		for i := 0; i < size; i++ {
			child, err := d.read(elem)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", n.Name, i, err)
			}
			f.Children = append(f.Children, child)
		}

	default:
		if k, ok := primitiveKinds[n.Type]; ok && len(n.Children) == 0 {
			f.Kind = k
			switch k.size() {
			case 1:
				f.bits = uint64(d.r.U8())
			case 2:
				f.bits = uint64(d.r.U16())
			case 4:
				f.bits = uint64(d.r.U32())
			case 8:
				f.bits = d.r.U64()
			}
			break
		}
		f.Kind = KindComposite
		f.Children = make([]*Field, 0, len(n.Children))
		for _, c := range n.Children {
			child, err := d.read(c)
			if err != nil {
				return nil, fmt.Errorf("%s.%w", n.Name, err)
			}
			f.Children = append(f.Children, child)
		}
	}

	if n.Aligned() {
		d.align()
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name, err)
	}
	return f, nil
}

// Encode appends the binary form of the tree rooted at f.
func (f *Field) Encode(order binary.ByteOrder) []byte {
	w := binio.NewWriter(order, 0)
	f.encode(w)
	return w.Bytes()
}

func (f *Field) encode(w *binio.Writer) {
	switch f.Kind {
	case KindString:
		w.I32(int32(len(f.str)))
		w.Raw([]byte(f.str))
		if stringAligned(f.node) {
			w.Align(4)
		}
	case KindBytes:
		w.I32(int32(len(f.bytes)))
		w.Raw(f.bytes)
	case KindArray:
		w.I32(int32(len(f.Children)))
		for _, c := range f.Children {
			c.encode(w)
		}
	case KindComposite:
		for _, c := range f.Children {
			c.encode(w)
		}
	default:
		switch f.Kind.size() {
		case 1:
			w.U8(uint8(f.bits))
		case 2:
			w.U16(uint16(f.bits))
		case 4:
			w.U32(uint32(f.bits))
		case 8:
			w.U64(f.bits)
		}
	}
	if f.node.Aligned() {
		w.Align(4)
	}
}

// AppendElement adds a zero-valued element to an array field and returns it.
func (f *Field) AppendElement() (*Field, error) {
	if f.Kind != KindArray {
		return nil, f.mismatch("array")
	}
	if f.owner != nil && f.owner.tail != nil {
		return nil, fmt.Errorf("%w: append to %s in object %d", ErrUnsupportedResize, f.Name, f.owner.PathID)
	}
	elem, err := elementNode(f.node)
	if err != nil {
		return nil, err
	}
	child, err := newField(elem, f.owner)
	if err != nil {
		return nil, err
	}
	f.Children = append(f.Children, child)
	if f.owner != nil {
		f.owner.dirty = true
	}
	return child, nil
}
