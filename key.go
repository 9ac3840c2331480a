package optisync

import (
	"net/url"

	"github.com/unkn0wn-root/optisync/internal/util"
)

// EntityType discriminates cached entities (e.g. "auction", "item").
type EntityType string

// Key is the stable identity of a cached entry. Detail entries set ID,
// list entries set Query (canonical, see ListKey). Key is comparable.
type Key struct {
	Type  EntityType
	ID    string
	Query string
}

// DetailKey addresses a single entity.
func DetailKey(t EntityType, id string) Key { return Key{Type: t, ID: id} }

// ListKey addresses a list view. Params are canonicalized so that equal
// parameter sets produce equal keys regardless of map order.
func ListKey(t EntityType, params map[string]string) Key {
	return Key{Type: t, Query: util.CanonicalQuery(params)}
}

// IsList reports whether k addresses a list view.
func (k Key) IsList() bool { return k.ID == "" }

func (k Key) String() string {
	if k.ID != "" {
		return string(k.Type) + ":" + k.ID
	}
	if k.Query == "" {
		return string(k.Type) + "?"
	}
	return string(k.Type) + "?" + k.Query
}

// Params decodes the list query of k. Detail keys return nil.
func (k Key) Params() map[string]string {
	if k.Query == "" {
		return nil
	}
	vs, err := url.ParseQuery(k.Query)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(vs))
	for name, v := range vs {
		if len(v) > 0 {
			out[name] = v[0]
		}
	}
	return out
}

// Region describes a partition of the cache for invalidation.
//
//	Region{Type: "auction"}                          - every auction key, details and lists
//	Region{Type: "auction", ID: "A1"}                - the detail entry of A1
//	Region{Type: "auction", Filter: {"status": ...}} - lists whose query carries status=...
type Region struct {
	Type   EntityType
	ID     string
	Filter map[string]string
}

// RegionOf returns the region holding exactly k.
func RegionOf(k Key) Region {
	if k.ID != "" {
		return Region{Type: k.Type, ID: k.ID}
	}
	return Region{Type: k.Type, Filter: k.Params()}
}

// Matches reports whether k falls within r.
func (r Region) Matches(k Key) bool {
	if r.Type != k.Type {
		return false
	}
	if r.ID != "" && r.ID != k.ID {
		return false
	}
	if len(r.Filter) == 0 {
		return true
	}
	if k.ID != "" {
		return false
	}
	params := k.Params()
	for name, want := range r.Filter {
		if got, ok := params[name]; !ok || got != want {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	s := string(r.Type)
	if r.ID != "" {
		s += ":" + r.ID
	}
	if len(r.Filter) > 0 {
		s += "?" + util.CanonicalQuery(r.Filter)
	}
	return s
}
