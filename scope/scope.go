package scope

import "fmt"

// Scope is a handle to one node of a Tree. The zero Scope refers to nothing.
// Handles are plain values and may be used as map keys; a handle to a
// destroyed scope stops resolving once its slot is recycled.
type Scope struct {
	t   *Tree
	id  ID
	gen uint32
}

func (s Scope) node() *node {
	if s.t == nil {
		return nil
	}
	n := s.t.nodes[s.id]
	if n.gen != s.gen {
		return nil
	}
	return n
}

func (s Scope) IsZero() bool {
	return s.t == nil
}

// Valid reports whether s refers to a live scope.
func (s Scope) Valid() bool {
	n := s.node()
	return n != nil && n.alive
}

func (s Scope) ID() ID {
	return s.id
}

func (s Scope) Tree() *Tree {
	return s.t
}

func (s Scope) IsRoot() bool {
	n := s.node()
	return n != nil && n.parent == noID
}

func (s Scope) String() string {
	if s.t == nil {
		return "scope#none"
	}
	return fmt.Sprintf("scope#%d", s.id)
}

// NewChild links a new scope as the last child of s. Creating a child of a
// destroyed scope returns the zero Scope.
func (s Scope) NewChild() Scope {
	n := s.node()
	if n == nil || !n.alive {
		return Scope{}
	}
	child := s.t.handle(s.t.alloc(s.id))
	for _, hook := range s.t.newChildHooks {
		hook(s, child)
	}
	return child
}

// Destroy unlinks s from its parent and tears down s and all its
// descendants. The root cannot be destroyed.
func (s Scope) Destroy() {
	n := s.node()
	if n == nil || !n.alive || n.parent == noID {
		return
	}
	t := s.t
	p := t.nodes[n.parent]
	if n.prev != noID {
		t.nodes[n.prev].next = n.next
	} else {
		p.first = n.next
	}
	if n.next != noID {
		t.nodes[n.next].prev = n.prev
	} else {
		p.last = n.prev
	}
	t.kill(s.id)
}

// Parent, FirstChild and NextSibling keep resolving for a destroyed scope
// until its slot is recycled, so an in-flight walk can finish.
func (s Scope) Parent() Scope {
	n := s.node()
	if n == nil {
		return Scope{}
	}
	return s.t.handle(n.parent)
}

func (s Scope) FirstChild() Scope {
	n := s.node()
	if n == nil {
		return Scope{}
	}
	return s.t.handle(n.first)
}

func (s Scope) NextSibling() Scope {
	n := s.node()
	if n == nil {
		return Scope{}
	}
	return s.t.handle(n.next)
}

// Get looks key up on s and then on each ancestor in turn.
func (s Scope) Get(key string) any {
	for n := s.node(); n != nil; {
		if v, ok := n.vars[key]; ok {
			return v
		}
		if n.parent == noID {
			break
		}
		n = s.t.nodes[n.parent]
	}
	return nil
}

// Set stores value on s itself, shadowing any ancestor's value for key.
func (s Scope) Set(key string, value any) {
	n := s.node()
	if n == nil || !n.alive {
		return
	}
	if n.vars == nil {
		n.vars = map[string]any{}
	}
	n.vars[key] = value
}

// WatchCount reports the live ungated watches stored on s.
func (s Scope) WatchCount() int {
	n := s.node()
	if n == nil {
		return 0
	}
	return n.watches.Len()
}
