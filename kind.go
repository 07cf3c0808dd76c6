// kind.go: plugin kind catalog and method schemas
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

// Kind identifies one of the fixed plugin contracts.
type Kind string

const (
	KindServiceTrace Kind = "service-trace"
	KindHTTPService  Kind = "http-service"
	KindCapture      Kind = "capture"
	KindJDBCPool     Kind = "jdbc-pool"
	KindHTTPCall     Kind = "http-call"
)

// ValueType describes a parameter or return type in a kind contract.
type ValueType int

const (
	TypeVoid ValueType = iota
	TypeContext
	TypeObject
	TypeString
	TypeObjectArray
	TypeBool
)

func (v ValueType) String() string {
	switch v {
	case TypeVoid:
		return "void"
	case TypeContext:
		return "context"
	case TypeObject:
		return "object"
	case TypeString:
		return "string"
	case TypeObjectArray:
		return "object[]"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParamSpec is one positional parameter of a plugin method. Name is the
// identifier the parameter is bound to inside the script body.
type ParamSpec struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`
}

// MethodSpec describes one method of a kind contract and the script section
// that supplies its body.
type MethodSpec struct {
	Name    string      `json:"name"`
	Section string      `json:"section"`
	Params  []ParamSpec `json:"params"`
	Returns ValueType   `json:"returns"`
}

// KindSpec is the immutable contract of a plugin kind.
type KindSpec struct {
	Kind             Kind         `json:"kind"`
	FileName         string       `json:"file_name"`
	RequiredSections []string     `json:"required_sections"`
	Methods          []MethodSpec `json:"methods"`
}

// Method returns the method with the given name.
func (k KindSpec) Method(name string) (MethodSpec, bool) {
	for _, m := range k.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodSpec{}, false
}

// Catalog is the static table of supported plugin kinds.
type Catalog struct {
	order []Kind
	specs map[Kind]KindSpec
	files map[string]Kind
}

// NewCatalog builds a catalog from the given specs, preserving their order.
func NewCatalog(specs ...KindSpec) *Catalog {
	c := &Catalog{
		order: make([]Kind, 0, len(specs)),
		specs: make(map[Kind]KindSpec, len(specs)),
		files: make(map[string]Kind, len(specs)),
	}
	for _, spec := range specs {
		if _, dup := c.specs[spec.Kind]; !dup {
			c.order = append(c.order, spec.Kind)
		}
		c.specs[spec.Kind] = spec
		c.files[spec.FileName] = spec.Kind
	}
	return c
}

// DefaultCatalog returns the five built-in plugin kinds.
func DefaultCatalog() *Catalog {
	ctx := ParamSpec{Name: "ctx", Type: TypeContext}
	req := ParamSpec{Name: "req", Type: TypeObject}
	res := ParamSpec{Name: "res", Type: TypeObject}
	class := ParamSpec{Name: "class", Type: TypeString}
	method := ParamSpec{Name: "method", Type: TypeString}
	desc := ParamSpec{Name: "desc", Type: TypeString}
	value := ParamSpec{Name: "value", Type: TypeObject}

	return NewCatalog(
		KindSpec{
			Kind:             KindServiceTrace,
			FileName:         "service.plug",
			RequiredSections: []string{"start", "end"},
			Methods: []MethodSpec{
				{Name: "start", Section: "start", Params: []ParamSpec{ctx, {Name: "hook", Type: TypeObject}}, Returns: TypeVoid},
				{Name: "end", Section: "end", Params: []ParamSpec{ctx}, Returns: TypeVoid},
			},
		},
		KindSpec{
			Kind:             KindHTTPService,
			FileName:         "httpservice.plug",
			RequiredSections: []string{"start", "end", "reject"},
			Methods: []MethodSpec{
				{Name: "start", Section: "start", Params: []ParamSpec{ctx, req, res}, Returns: TypeVoid},
				{Name: "end", Section: "end", Params: []ParamSpec{ctx, req, res}, Returns: TypeVoid},
				{Name: "reject", Section: "reject", Params: []ParamSpec{ctx, req, res}, Returns: TypeBool},
			},
		},
		KindSpec{
			Kind:             KindCapture,
			FileName:         "capture.plug",
			RequiredSections: []string{"args", "return", "this"},
			Methods: []MethodSpec{
				{Name: "capArgs", Section: "args", Params: []ParamSpec{ctx, class, method, desc, {Name: "args", Type: TypeObjectArray}}, Returns: TypeVoid},
				{Name: "capReturn", Section: "return", Params: []ParamSpec{ctx, class, method, desc, value}, Returns: TypeVoid},
				{Name: "capThis", Section: "this", Params: []ParamSpec{ctx, class, desc, value}, Returns: TypeVoid},
			},
		},
		KindSpec{
			Kind:             KindJDBCPool,
			FileName:         "jdbcpool.plug",
			RequiredSections: []string{"url"},
			Methods: []MethodSpec{
				{Name: "url", Section: "url", Params: []ParamSpec{ctx, {Name: "msg", Type: TypeString}, {Name: "pool", Type: TypeObject}}, Returns: TypeString},
			},
		},
		KindSpec{
			Kind:             KindHTTPCall,
			FileName:         "httpcall.plug",
			RequiredSections: []string{"call"},
			Methods: []MethodSpec{
				{Name: "call", Section: "call", Params: []ParamSpec{ctx, req}, Returns: TypeVoid},
			},
		},
	)
}

// Lookup returns the spec of kind.
func (c *Catalog) Lookup(kind Kind) (KindSpec, bool) {
	spec, ok := c.specs[kind]
	return spec, ok
}

// Kinds returns the catalog kinds in declaration order.
func (c *Catalog) Kinds() []Kind {
	out := make([]Kind, len(c.order))
	copy(out, c.order)
	return out
}

// Specs returns the catalog specs in declaration order.
func (c *Catalog) Specs() []KindSpec {
	out := make([]KindSpec, 0, len(c.order))
	for _, kind := range c.order {
		out = append(out, c.specs[kind])
	}
	return out
}

// KindForFile maps a well-known script file name to its kind.
func (c *Catalog) KindForFile(name string) (Kind, bool) {
	kind, ok := c.files[name]
	return kind, ok
}
