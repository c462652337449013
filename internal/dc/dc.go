// Package dc holds the distributed class registry: a read-only description
// of every distributed class, its fields, and their keyword flags. The
// registry is built once at startup and never mutated afterwards; every
// service shares one instance.
package dc

import (
	"fmt"
	"hash/fnv"

	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// Type is the wire type of a single atomic field parameter.
type Type uint8

const (
	Int8 Type = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float64
	String
	Blob
)

// Keyword is a bit set of field flags.
type Keyword uint16

const (
	Required Keyword = 1 << iota
	Ram
	Db
	Broadcast
	AIRecv
	OwnRecv
	ClSend
	OwnSend
	ClRecv
)

// Field describes one atomic or molecular field of a distributed class.
// Field ids are assigned globally by the registry, in declaration order.
type Field struct {
	id       uint16
	name     string
	keywords Keyword
	types    []Type
	subs     []*Field

	defaultValue []byte
	hasDefault   bool
}

// NewField declares an atomic field with the given parameter types.
func NewField(name string, keywords Keyword, types ...Type) *Field {
	return &Field{name: name, keywords: keywords, types: types}
}

// NewMolecular declares a molecular field expanding to the given atomic
// subfields. Its keyword set is the union of the subfields' keywords.
func NewMolecular(name string, subs ...*Field) *Field {
	var kw Keyword
	for _, s := range subs {
		kw |= s.keywords
	}
	return &Field{name: name, keywords: kw, subs: subs}
}

// WithDefault attaches an explicitly declared packed default value.
func (f *Field) WithDefault(b []byte) *Field {
	f.defaultValue = b
	f.hasDefault = true
	return f
}

func (f *Field) ID() uint16        { return f.id }
func (f *Field) Name() string      { return f.name }
func (f *Field) Keywords() Keyword { return f.keywords }

// Is reports whether every keyword in kw is set on the field.
func (f *Field) Is(kw Keyword) bool { return f.keywords&kw == kw }

// Molecular reports whether the field expands to atomic subfields.
func (f *Field) Molecular() bool { return f.subs != nil }

// Subfields returns the ordered atomic subfields of a molecular field.
func (f *Field) Subfields() []*Field { return f.subs }

// HasDefault reports whether a default value was explicitly declared.
func (f *Field) HasDefault() bool { return f.hasDefault }

// DefaultValue returns the declared default, or the zero-packed value for
// the field's types when none was declared.
func (f *Field) DefaultValue() []byte {
	if f.hasDefault {
		return f.defaultValue
	}
	dg := util.NewDatagram()
	f.packZero(dg)
	return dg.Bytes()
}

func (f *Field) packZero(dg *util.Datagram) {
	if f.Molecular() {
		for _, s := range f.subs {
			s.packZero(dg)
		}
		return
	}
	for _, t := range f.types {
		switch t {
		case Int8, Uint8:
			dg.AddUint8(0)
		case Int16, Uint16:
			dg.AddUint16(0)
		case Int32, Uint32:
			dg.AddUint32(0)
		case Int64, Uint64, Float64:
			dg.AddUint64(0)
		case String:
			dg.AddString("")
		case Blob:
			dg.AddBlob(nil)
		}
	}
}

// ReadValue consumes exactly one packed value for this field from the
// iterator and returns the raw bytes. The returned slice is a copy.
func (f *Field) ReadValue(dgi *util.DatagramIterator) ([]byte, error) {
	start := dgi.Offset()
	if err := f.skip(dgi); err != nil {
		return nil, err
	}
	end := dgi.Offset()
	dgi.Seek(start)
	return dgi.ReadData(end - start), nil
}

func (f *Field) skip(dgi *util.DatagramIterator) error {
	if f.Molecular() {
		for _, s := range f.subs {
			if err := s.skip(dgi); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range f.types {
		switch t {
		case Int8, Uint8:
			dgi.Skip(1)
		case Int16, Uint16:
			dgi.Skip(2)
		case Int32, Uint32:
			dgi.Skip(4)
		case Int64, Uint64, Float64:
			dgi.Skip(8)
		case String, Blob:
			dgi.Skip(int(dgi.ReadUint16()))
		}
	}
	if err := dgi.Err(); err != nil {
		return fmt.Errorf("field %s: %w", f.name, err)
	}
	return nil
}

// SplitValue decodes one packed molecular value into per-subfield raw
// values, in subfield order. For atomic fields it returns the value alone.
func (f *Field) SplitValue(value []byte) ([][]byte, error) {
	if !f.Molecular() {
		return [][]byte{value}, nil
	}
	dgi := util.NewIterator(util.NewDatagramFromBytes(value))
	out := make([][]byte, 0, len(f.subs))
	for _, s := range f.subs {
		v, err := s.ReadValue(dgi)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Class is one distributed class: an id, a name, and an ordered field list.
type Class struct {
	id     uint16
	name   string
	fields []*Field
	byID   map[uint16]*Field
	byName map[string]*Field
}

// NewClass declares a class with the given fields, in declaration order.
func NewClass(name string, fields ...*Field) *Class {
	return &Class{name: name, fields: fields}
}

func (c *Class) ID() uint16       { return c.id }
func (c *Class) Name() string     { return c.name }
func (c *Class) Fields() []*Field { return c.fields }

// FieldByID looks a field up by its global id, including molecular
// subfields.
func (c *Class) FieldByID(id uint16) (*Field, bool) {
	f, ok := c.byID[id]
	return f, ok
}

// FieldByName looks a field up by name.
func (c *Class) FieldByName(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// Registry is the set of all declared classes. Ids are assigned in
// declaration order: class ids from zero, field ids globally from zero.
type Registry struct {
	classes []*Class
	byName  map[string]*Class
	fields  map[uint16]*Field
	hash    uint32
}

// NewRegistry builds the registry and freezes it.
func NewRegistry(classes ...*Class) *Registry {
	r := &Registry{
		classes: classes,
		byName:  make(map[string]*Class),
		fields:  make(map[uint16]*Field),
	}
	h := fnv.New32a()
	var nextField uint16
	for i, c := range classes {
		c.id = uint16(i)
		c.byID = make(map[uint16]*Field)
		c.byName = make(map[string]*Field)
		fmt.Fprintf(h, "%s/", c.name)
		for _, f := range c.fields {
			if _, done := c.byName[f.name]; !done {
				f.id = nextField
				nextField++
				c.byID[f.id] = f
				c.byName[f.name] = f
				r.fields[f.id] = f
			}
			fmt.Fprintf(h, "%s:%d;", f.name, f.keywords)
			for _, s := range f.subs {
				if _, done := c.byName[s.name]; !done {
					s.id = nextField
					nextField++
					c.byID[s.id] = s
					c.byName[s.name] = s
					r.fields[s.id] = s
				}
			}
		}
		r.byName[c.name] = c
	}
	r.hash = h.Sum32()
	return r
}

// Class returns the class with the given id.
func (r *Registry) Class(id uint16) (*Class, bool) {
	if int(id) >= len(r.classes) {
		return nil, false
	}
	return r.classes[id], true
}

// FieldByID resolves a field by its registry-wide id.
func (r *Registry) FieldByID(id uint16) (*Field, bool) {
	f, ok := r.fields[id]
	return f, ok
}

// ClassByName returns the class with the given name.
func (r *Registry) ClassByName(name string) (*Class, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ClassCount returns the number of declared classes.
func (r *Registry) ClassCount() int { return len(r.classes) }

// Hash is a stable digest of the schema, checked against the client hello.
func (r *Registry) Hash() uint32 { return r.hash }
