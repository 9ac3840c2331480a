package optisync

import (
	"reflect"
	"sort"
)

// Document is a JSON-object-shaped entity snapshot.
// Values are treated as opaque: monetary amounts stay the strings the
// server sent and are never parsed here.
type Document map[string]any

// Clone returns a shallow copy. Nested values are shared; documents are
// replaced wholesale on every write, never mutated in place.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Equal compares documents deeply.
func (d Document) Equal(o Document) bool { return reflect.DeepEqual(d, o) }

// StringField returns d[name] if it is a string, "" otherwise.
func (d Document) StringField(name string) string {
	s, _ := d[name].(string)
	return s
}

// Patch is a partial state change. It is shallow-merged into a Document;
// a nil value removes the field.
type Patch map[string]any

// Apply returns base with p merged in. base is not modified.
func (p Patch) Apply(base Document) Document {
	out := make(Document, len(base)+len(p))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range p {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Inverse returns the patch that undoes p on top of before: for every field
// p touches, the value it had in before (nil when it was absent).
func (p Patch) Inverse(before Document) Patch {
	out := make(Patch, len(p))
	for k := range p {
		if v, ok := before[k]; ok {
			out[k] = v
		} else {
			out[k] = nil
		}
	}
	return out
}

// Fields returns the patched field names in sorted order.
func (p Patch) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
