package realtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// protectedFields may never be touched by a client patch regardless of table
// configuration. Version is managed exclusively by the engine.
var protectedFields = map[string]struct{}{
	"id":      {},
	"version": {},
}

// Pointer is a resolved field path: the original dotted form plus its
// segments. Resolution validates shape once so mutability checks and
// application work over a closed value type instead of raw strings.
type Pointer struct {
	Path     string
	Segments []string
}

// Root returns the top-level field the pointer enters through.
func (p Pointer) Root() string { return p.Segments[0] }

// ValidationError reports an operation that can never be applied as
// submitted: a malformed path or a write to a protected or immutable field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation field %q: %s", e.Field, e.Reason)
}

// ErrEmptyPath is returned for patch keys that resolve to nothing.
var ErrEmptyPath = errors.New("empty field path")

// ResolvePointer parses a dot-delimited field path into a Pointer. Empty
// paths and empty segments (leading/trailing/double dots) are rejected.
func ResolvePointer(path string) (Pointer, error) {
	if path == "" {
		return Pointer{}, ErrEmptyPath
	}
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return Pointer{}, &ValidationError{Field: path, Reason: "empty path segment"}
		}
	}
	return Pointer{Path: path, Segments: segments}, nil
}

// OperationPointers resolves every key of the operation's patch. Keys are
// returned sorted by path so callers see a deterministic order.
func OperationPointers(op Operation) ([]Pointer, error) {
	pointers := make([]Pointer, 0, len(op.Patch))
	for path := range op.Patch {
		pointer, err := ResolvePointer(path)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, pointer)
	}
	sort.Slice(pointers, func(i, j int) bool { return pointers[i].Path < pointers[j].Path })
	return pointers, nil
}

// IsFieldMutable reports whether a pointer may be written under the given
// table config. Protected fields and table-declared immutable fields always
// fail. When the table declares an explicit mutable set, the pointer's path
// or one of its prefixes must appear in it.
func IsFieldMutable(cfg TableConfig, pointer Pointer) bool {
	if _, protected := protectedFields[pointer.Root()]; protected {
		return false
	}
	for _, immutable := range cfg.ImmutableFields {
		if pointer.Root() == immutable {
			return false
		}
	}
	if cfg.MutableFields == nil {
		return true
	}
	prefix := ""
	for _, segment := range pointer.Segments {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "." + segment
		}
		if _, ok := cfg.MutableFields[prefix]; ok {
			return true
		}
	}
	return false
}

// ApplyOperation applies one operation's patch to a copy of the record and
// returns the updated record plus the sorted list of touched field paths.
//
// The operation is all-or-nothing: if any pointer is immutable, nothing is
// applied and a ValidationError is returned. A nil patch value deletes the
// leaf key; intermediate objects are created as needed. The version is
// incremented by exactly one, even for an empty patch (a "touch").
func ApplyOperation(record Record, op Operation, cfg TableConfig) (Record, []string, error) {
	pointers, err := OperationPointers(op)
	if err != nil {
		return Record{}, nil, err
	}
	for _, pointer := range pointers {
		if !IsFieldMutable(cfg, pointer) {
			return Record{}, nil, &ValidationError{Field: pointer.Path, Reason: "field is not mutable"}
		}
	}

	updated := record.Clone()
	touched := make([]string, 0, len(pointers))
	for _, pointer := range pointers {
		applyPointer(updated.Attrs, pointer, op.Patch[pointer.Path])
		touched = append(touched, pointer.Path)
	}
	updated.Version = record.Version + 1
	return updated, touched, nil
}

func applyPointer(attrs map[string]any, pointer Pointer, value any) {
	current := attrs
	for _, segment := range pointer.Segments[:len(pointer.Segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	leaf := pointer.Segments[len(pointer.Segments)-1]
	if value == nil {
		delete(current, leaf)
		return
	}
	current[leaf] = value
}
