// Package filter holds the ordered list of DOM-mutation callbacks applied to
// every transformed HTML response.
package filter

import (
	"errors"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// ErrNilFilter is returned when registering a nil filter.
var ErrNilFilter = errors.New("filter: filter is required")

// Filter mutates the document in place. Filters communicate only through the
// document; nothing they return is consulted.
type Filter func(doc *goquery.Document)

// Registry is an append-only, ordered list of filters. Registration normally
// happens once at startup; ApplyAll may then run from many sessions at once.
type Registry struct {
	mu      sync.RWMutex
	filters []Filter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends f. Filters run in registration order.
func (r *Registry) Register(f Filter) error {
	if f == nil {
		return ErrNilFilter
	}
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
	return nil
}

// ApplyAll runs every registered filter, in order, on doc.
func (r *Registry) ApplyAll(doc *goquery.Document) {
	r.mu.RLock()
	filters := r.filters
	r.mu.RUnlock()

	for _, f := range filters {
		f(doc)
	}
}

// Len returns the number of registered filters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters)
}
