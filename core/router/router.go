package router

import (
	"strings"

	"github.com/pokrasko/http-webchat/core/http"
)

// Params holds the values of named path segments
type Params map[string]string

// Handler answers a request. A nil response means "not found".
type Handler func(req *http.Message, params Params) *http.Message

// Router is a segment tree router with parameter support:
// "/users/:id" matches one segment, "/static/*path" matches the rest.
// Static segments win over parameters, parameters over catch-alls.
type Router struct {
	roots map[http.Method]*node
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type node struct {
	segment   string
	nType     nodeType
	paramName string
	children  []*node
	handler   Handler
	pattern   string
}

// New creates an empty router
func New() *Router {
	return &Router{roots: make(map[http.Method]*node)}
}

// Add registers h for method and pattern. It panics on malformed patterns.
func (r *Router) Add(method http.Method, pattern string, h Handler) {
	if pattern == "" || pattern[0] != '/' {
		panic("path must begin with '/'")
	}
	root, ok := r.roots[method]
	if !ok {
		root = &node{}
		r.roots[method] = root
	}

	n := root
	segs := split(pattern)
	for i, seg := range segs {
		typ, name := parseSegment(seg)
		if typ == catchAll && i != len(segs)-1 {
			panic("catch-all routes are only allowed at the end of the path")
		}
		n = n.child(seg, typ, name)
	}
	if n.handler != nil {
		panic("duplicate route " + method.String() + " " + pattern)
	}
	n.handler = h
	n.pattern = pattern
}

// Find returns the handler for method and path together with the captured
// parameters and the matched pattern
func (r *Router) Find(method http.Method, path string) (Handler, Params, string) {
	root, ok := r.roots[method]
	if !ok {
		return nil, nil, ""
	}
	params := Params{}
	n := root.match(split(path), params)
	if n == nil {
		return nil, nil, ""
	}
	if len(params) == 0 {
		params = nil
	}
	return n.handler, params, n.pattern
}

func split(path string) []string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func parseSegment(seg string) (nodeType, string) {
	if seg == "" || (seg[0] != ':' && seg[0] != '*') {
		return static, ""
	}
	// The wildcard name must not contain ':' and '*'
	name := seg[1:]
	if name == "" {
		panic("wildcards must be named")
	}
	if strings.ContainsAny(name, ":*") {
		panic("only one wildcard per path segment is allowed")
	}
	if seg[0] == ':' {
		return param, name
	}
	return catchAll, name
}

func (n *node) child(seg string, typ nodeType, name string) *node {
	for _, c := range n.children {
		if c.nType != typ {
			continue
		}
		if typ == static && c.segment == seg {
			return c
		}
		if typ != static {
			if c.paramName != name {
				panic("wildcard :" + name + " conflicts with existing :" + c.paramName)
			}
			return c
		}
	}
	c := &node{segment: seg, nType: typ, paramName: name}
	n.children = append(n.children, c)
	return c
}

// match walks the tree trying static, then param, then catch-all children
func (n *node) match(segs []string, params Params) *node {
	if len(segs) == 0 {
		if n.handler != nil {
			return n
		}
		return nil
	}

	for _, typ := range [...]nodeType{static, param, catchAll} {
		for _, c := range n.children {
			if c.nType != typ {
				continue
			}
			switch typ {
			case static:
				if c.segment != segs[0] {
					continue
				}
				if found := c.match(segs[1:], params); found != nil {
					return found
				}
			case param:
				if found := c.match(segs[1:], params); found != nil {
					params[c.paramName] = segs[0]
					return found
				}
			case catchAll:
				if c.handler != nil {
					params[c.paramName] = strings.Join(segs, "/")
					return c
				}
			}
		}
	}
	return nil
}
