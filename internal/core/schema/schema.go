package schema

import (
	"errors"
	"fmt"

	"github.com/windlabs/wind/internal/core/wire"
)

// Schema errors
var (
	ErrSchemaNotFound = errors.New("schema not found")
	ErrValidation     = errors.New("schema validation failed")
)

// TypeKind identifies a field type.
type TypeKind uint8

const (
	TypeBool TypeKind = iota
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeString
	TypeBytes
	TypeArray
	TypeMap
)

// TypeKind string representation
func (k TypeKind) String() string {
	switch k {
	case TypeBool:
		return "bool"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeArray:
		return "array"
	case TypeMap:
		return "map"
	default:
		return "unknown"
	}
}

// Type describes a field. Elem is the element type for arrays and the value
// type for maps; nil means untyped elements.
type Type struct {
	Kind TypeKind
	Elem *Type
}

// ArrayOf builds an array type with typed elements.
func ArrayOf(elem Type) Type {
	return Type{Kind: TypeArray, Elem: &elem}
}

// MapOf builds a map type with typed values.
func MapOf(elem Type) Type {
	return Type{Kind: TypeMap, Elem: &elem}
}

// Schema describes the shape of a map-valued payload. Validation is a
// library feature: nothing on the runtime path enforces it, and schema ids
// on the wire are advisory.
type Schema struct {
	ID          string
	Version     uint32
	Name        string
	Description string
	Fields      map[string]Type
}

// Validate checks that the value is a map carrying every declared field
// with a matching type.
func (s *Schema) Validate(value wire.Value) error {
	m, ok := value.(wire.Map)
	if !ok {
		return fmt.Errorf("%w: schema %s requires a map value", ErrValidation, s.Name)
	}

	for name, fieldType := range s.Fields {
		fieldValue, present := m[name]
		if !present {
			return fmt.Errorf("%w: missing required field %q", ErrValidation, name)
		}
		if err := validateType(name, fieldValue, fieldType); err != nil {
			return err
		}
	}
	return nil
}

func validateType(field string, value wire.Value, want Type) error {
	if value == nil {
		return fmt.Errorf("%w: field %q is nil", ErrValidation, field)
	}

	kindMatches := map[TypeKind]wire.Kind{
		TypeBool:   wire.KindBool,
		TypeI32:    wire.KindI32,
		TypeI64:    wire.KindI64,
		TypeF32:    wire.KindF32,
		TypeF64:    wire.KindF64,
		TypeString: wire.KindString,
		TypeBytes:  wire.KindBytes,
		TypeArray:  wire.KindArray,
		TypeMap:    wire.KindMap,
	}

	if value.Kind() != kindMatches[want.Kind] {
		return fmt.Errorf("%w: field %q expected %s, got %s",
			ErrValidation, field, want.Kind, value.Kind())
	}

	if want.Elem == nil {
		return nil
	}

	switch typed := value.(type) {
	case wire.Array:
		for i, item := range typed {
			if err := validateType(fmt.Sprintf("%s[%d]", field, i), item, *want.Elem); err != nil {
				return err
			}
		}
	case wire.Map:
		for key, item := range typed {
			if err := validateType(field+"."+key, item, *want.Elem); err != nil {
				return err
			}
		}
	}
	return nil
}
