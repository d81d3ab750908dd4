// Package serialize turns domain records into permission-filtered output
// structures. Field membership depends on the viewer's permissions and on
// record ownership; related records are serialized recursively or degraded
// to bare identifiers.
package serialize

import (
	"context"

	"github.com/helix-api/helix/internal/authz"
)

// Attribute carries the visibility metadata for one serialized field.
type Attribute struct {
	// Permission required to see the field. Empty means public.
	Permission string
	// SelfAccess lets a viewer who owns the record bypass the permission.
	SelfAccess bool
	// OmitNested excludes the field when the record is itself serialized as
	// a nested child, and degrades record-valued content to a bare identity
	// instead of recursing.
	OmitNested bool
}

// Serializable is implemented by records with a serializer schema.
type Serializable interface {
	SerializeWith(ctx context.Context, nested bool) (map[string]any, bool)
}

// Identifiable lets a record degrade to a bare identifier when nested
// serialization is not wanted or not possible.
type Identifiable interface {
	Identity() any
}

// Field binds an attribute to a named value getter.
type Field[T any] struct {
	Name  string
	Attr  Attribute
	Value func(rec T) any
}

// Schema is the ordered attribute list for one record type.
type Schema[T any] struct {
	Owns   func(rec T, v authz.Viewer) bool
	Fields []Field[T]
}

// Serialize produces the viewer-filtered representation of a record, with
// nested reporting whether the record is being rendered as a child of
// another. Hidden fields render as explicit nulls. The boolean is false when
// no attribute was visible at all; the caller decides whether that absence
// manifests as forbidden or not-found.
func (s Schema[T]) Serialize(ctx context.Context, rec T, nested bool) (map[string]any, bool) {
	viewer := authz.ViewerFrom(ctx)
	owned := false
	if s.Owns != nil && viewer != nil {
		owned = s.Owns(rec, viewer)
	}

	out := make(map[string]any, len(s.Fields))
	visible := false
	for _, field := range s.Fields {
		if nested && field.Attr.OmitNested {
			out[field.Name] = nil
			continue
		}
		if !include(ctx, field.Attr, viewer, owned) {
			out[field.Name] = nil
			continue
		}
		value := renderValue(ctx, field.Value(rec), !field.Attr.OmitNested)
		out[field.Name] = value
		if value != nil {
			visible = true
		}
	}
	if !visible {
		return nil, false
	}
	return out, true
}

func include(ctx context.Context, attr Attribute, viewer authz.Viewer, owned bool) bool {
	if attr.Permission == "" {
		return true
	}
	if attr.SelfAccess && owned {
		return true
	}
	return viewer != nil && viewer.HasPermission(ctx, attr.Permission)
}

// renderValue resolves record-valued fields. With recursion enabled the
// value serializes as a nested child; otherwise it degrades to a plain
// identifier, or nil when no identity is available. Raw values pass through.
func renderValue(ctx context.Context, value any, recurse bool) any {
	switch v := value.(type) {
	case nil:
		return nil
	case Serializable:
		if recurse {
			if data, ok := v.SerializeWith(ctx, true); ok {
				return data
			}
			return nil
		}
		if ident, ok := v.(Identifiable); ok {
			return ident.Identity()
		}
		return nil
	case []Serializable:
		items := make([]any, 0, len(v))
		for _, item := range v {
			if rendered := renderValue(ctx, item, recurse); rendered != nil {
				items = append(items, rendered)
			}
		}
		return items
	default:
		return value
	}
}

// Items converts a typed record slice for use as a field value.
func Items[S Serializable](records []S) []Serializable {
	items := make([]Serializable, len(records))
	for i, rec := range records {
		items[i] = rec
	}
	return items
}

// List serializes a slice of serializable records, dropping records the
// viewer cannot see at all.
func List[S Serializable](ctx context.Context, records []S, nested bool) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if data, ok := rec.SerializeWith(ctx, nested); ok {
			out = append(out, data)
		}
	}
	return out
}
