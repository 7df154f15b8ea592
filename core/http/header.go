package http

import "strings"

// Header is an ordered set of header fields with case-insensitive names.
// Setting an existing name replaces both its spelling and its value in
// place. The zero value is ready to use.
type Header struct {
	fields []field
	index  map[string]int // lower-cased name -> position in fields
}

type field struct {
	name  string
	value string
}

// Set stores value under name
func (h *Header) Set(name, value string) {
	key := strings.ToLower(name)
	if i, ok := h.index[key]; ok {
		h.fields[i] = field{name: name, value: value}
		return
	}
	if h.index == nil {
		h.index = make(map[string]int)
	}
	h.index[key] = len(h.fields)
	h.fields = append(h.fields, field{name: name, value: value})
}

// Get returns the value stored under name. The boolean tells an absent
// header apart from one set to the empty string.
func (h *Header) Get(name string) (string, bool) {
	i, ok := h.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return h.fields[i].value, true
}

// Value returns the value stored under name or ""
func (h *Header) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// Has reports whether name is present
func (h *Header) Has(name string) bool {
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// Del removes name
func (h *Header) Del(name string) {
	key := strings.ToLower(name)
	i, ok := h.index[key]
	if !ok {
		return
	}
	delete(h.index, key)
	h.fields = append(h.fields[:i], h.fields[i+1:]...)
	for j := i; j < len(h.fields); j++ {
		h.index[strings.ToLower(h.fields[j].name)] = j
	}
}

// Len returns the number of stored fields
func (h *Header) Len() int {
	return len(h.fields)
}

// Each calls fn for every field in insertion order
func (h *Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}
