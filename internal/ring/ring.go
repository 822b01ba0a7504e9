package ring

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zde37/ringkv/pkg/hash"
)

var (
	// ErrNodeExists is returned when inserting an address that is already on the ring.
	ErrNodeExists = errors.New("node already on ring")

	// ErrNodeNotFound is returned when an address is not on the ring.
	ErrNodeNotFound = errors.New("node not on ring")

	// ErrHashTaken is returned when inserting at a position another node already ends on.
	ErrHashTaken = errors.New("hash position already taken")

	// ErrInvalidRing is returned when ring text cannot be parsed.
	ErrInvalidRing = errors.New("invalid ring text")
)

// Node is a value copy of one ring member and the arc (Start, End] it owns.
type Node struct {
	IP    string
	Port  int
	Start hash.ID
	End   hash.ID
}

// Address returns ip:port.
func (n Node) Address() string {
	return hash.JoinAddress(n.IP, n.Port)
}

// Owns reports whether key hash h falls in the node's arc.
func (n Node) Owns(h hash.ID) bool {
	return hash.InRange(h, n.Start, n.End)
}

// Is reports whether the node has the given identity.
func (n Node) Is(ip string, port int) bool {
	return n.IP == ip && n.Port == port
}

const nilSlot = -1

type slot struct {
	node Node
	next int
	prev int
}

// Ring is a circular, doubly linked list of nodes stored in an arena.
// Links are slot indexes, freed slots are recycled.
// A Ring is not safe for concurrent use; owners serialize access.
type Ring struct {
	slots []slot
	free  []int
	head  int
	size  int
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{head: nilSlot}
}

// Size returns the number of nodes.
func (r *Ring) Size() int {
	return r.size
}

// Insert adds a node for ip:port. The node's position is custom when given,
// otherwise the MD5 of ip:port. The node is placed immediately before the node
// whose arc contained the position, taking over the lower part of that arc.
func (r *Ring) Insert(ip string, port int, custom hash.ID) (Node, error) {
	if r.find(ip, port) != nilSlot {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeExists, hash.JoinAddress(ip, port))
	}

	pos := custom
	if pos == "" {
		pos = hash.Address(ip, port)
	}

	if r.size == 0 {
		idx := r.alloc(Node{IP: ip, Port: port, Start: pos, End: pos})
		r.slots[idx].next = idx
		r.slots[idx].prev = idx
		r.head = idx
		r.size = 1
		return r.slots[idx].node, nil
	}

	succ := r.lookup(pos)
	if r.slots[succ].node.End == pos {
		return Node{}, fmt.Errorf("%w: %s", ErrHashTaken, pos)
	}
	pred := r.slots[succ].prev

	idx := r.alloc(Node{IP: ip, Port: port, Start: r.slots[succ].node.Start, End: pos})
	r.slots[idx].prev = pred
	r.slots[idx].next = succ
	r.slots[pred].next = idx
	r.slots[succ].prev = idx
	r.slots[succ].node.Start = pos
	r.size++

	return r.slots[idx].node, nil
}

// Remove takes ip:port off the ring. The predecessor absorbs the removed arc.
func (r *Ring) Remove(ip string, port int) (Node, error) {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, hash.JoinAddress(ip, port))
	}
	removed := r.slots[idx].node

	switch r.size {
	case 1:
		r.head = nilSlot
	default:
		pred := r.slots[idx].prev
		succ := r.slots[idx].next
		r.slots[pred].node.End = removed.End
		r.slots[pred].next = succ
		r.slots[succ].prev = pred
		if r.head == idx {
			r.head = succ
		}
	}

	r.release(idx)
	r.size--
	return removed, nil
}

// LookupByHash returns the node whose arc contains h.
func (r *Ring) LookupByHash(h hash.ID) (Node, bool) {
	if r.size == 0 {
		return Node{}, false
	}
	return r.slots[r.lookup(h)].node, true
}

// LookupByAddress returns the node registered for ip:port.
func (r *Ring) LookupByAddress(ip string, port int) (Node, bool) {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return Node{}, false
	}
	return r.slots[idx].node, true
}

// Successors returns up to n nodes following ip:port clockwise, excluding
// the node itself. Fewer are returned on small rings.
func (r *Ring) Successors(ip string, port int, n int) []Node {
	return r.walk(ip, port, n, func(s slot) int { return s.next })
}

// Predecessors returns up to n nodes preceding ip:port counter-clockwise,
// excluding the node itself.
func (r *Ring) Predecessors(ip string, port int, n int) []Node {
	return r.walk(ip, port, n, func(s slot) int { return s.prev })
}

// Successor returns the next node clockwise. On a single node ring that is the node itself.
func (r *Ring) Successor(ip string, port int) (Node, bool) {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return Node{}, false
	}
	return r.slots[r.slots[idx].next].node, true
}

// Predecessor returns the previous node. On a single node ring that is the node itself.
func (r *Ring) Predecessor(ip string, port int) (Node, bool) {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return Node{}, false
	}
	return r.slots[r.slots[idx].prev].node, true
}

// UpdateBoundary sets the arc of ip:port and moves the neighbours' touching
// boundaries with it, so arcs stay gap free and non overlapping.
func (r *Ring) UpdateBoundary(ip string, port int, start, end hash.ID) error {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, hash.JoinAddress(ip, port))
	}
	if r.size == 1 {
		// a lone node always owns the whole ring
		r.slots[idx].node.Start = end
		r.slots[idx].node.End = end
		return nil
	}

	r.slots[idx].node.Start = start
	r.slots[idx].node.End = end
	r.slots[r.slots[idx].prev].node.End = start
	r.slots[r.slots[idx].next].node.Start = end
	return nil
}

// Nodes returns every node in ring order starting at head.
func (r *Ring) Nodes() []Node {
	out := make([]Node, 0, r.size)
	if r.size == 0 {
		return out
	}
	idx := r.head
	for i := 0; i < r.size; i++ {
		out = append(out, r.slots[idx].node)
		idx = r.slots[idx].next
	}
	return out
}

// Clone returns an independent copy.
func (r *Ring) Clone() *Ring {
	c := &Ring{
		slots: make([]slot, len(r.slots)),
		free:  make([]int, len(r.free)),
		head:  r.head,
		size:  r.size,
	}
	copy(c.slots, r.slots)
	copy(c.free, r.free)
	return c
}

// String serializes the ring as "start,end,ip:port;" per node in ring order.
func (r *Ring) String() string {
	var b strings.Builder
	for _, n := range r.Nodes() {
		writeEntry(&b, n.Start, n.End, n)
	}
	return b.String()
}

// ReadString serializes the ranges each node can answer reads for. With more
// than two nodes a node also mirrors its two predecessors, so its read arc
// starts at its predecessor-of-predecessor's start.
func (r *Ring) ReadString() string {
	if r.size <= 2 {
		return r.String()
	}
	var b strings.Builder
	idx := r.head
	for i := 0; i < r.size; i++ {
		s := r.slots[idx]
		farStart := r.slots[r.slots[s.prev].prev].node.Start
		writeEntry(&b, farStart, s.node.End, s.node)
		idx = s.next
	}
	return b.String()
}

// Parse replaces the ring with the nodes described by text. Nodes are
// re-inserted in the given order at their end positions.
func Parse(text string) (*Ring, error) {
	r := New()
	for _, entry := range strings.Split(strings.TrimSpace(text), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: entry %q", ErrInvalidRing, entry)
		}
		end, err := hash.Parse(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRing, err)
		}
		if _, err := hash.Parse(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRing, err)
		}
		ip, port, err := SplitAddress(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRing, err)
		}
		if _, err := r.Insert(ip, port, end); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRing, err)
		}
	}
	return r, nil
}

// SplitAddress parses ip:port.
func SplitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}

func writeEntry(b *strings.Builder, start, end hash.ID, n Node) {
	b.WriteString(start.String())
	b.WriteByte(',')
	b.WriteString(end.String())
	b.WriteByte(',')
	b.WriteString(n.Address())
	b.WriteByte(';')
}

// lookup walks the ring once from head. Callers ensure size > 0.
func (r *Ring) lookup(h hash.ID) int {
	if r.size == 1 {
		return r.head
	}
	idx := r.head
	for i := 0; i < r.size; i++ {
		if r.slots[idx].node.Owns(h) {
			return idx
		}
		idx = r.slots[idx].next
	}
	// unreachable while the coverage invariant holds
	return r.head
}

func (r *Ring) find(ip string, port int) int {
	if r.size == 0 {
		return nilSlot
	}
	idx := r.head
	for i := 0; i < r.size; i++ {
		if r.slots[idx].node.Is(ip, port) {
			return idx
		}
		idx = r.slots[idx].next
	}
	return nilSlot
}

func (r *Ring) walk(ip string, port int, n int, step func(slot) int) []Node {
	idx := r.find(ip, port)
	if idx == nilSlot {
		return nil
	}
	out := make([]Node, 0, n)
	cur := step(r.slots[idx])
	for len(out) < n && cur != idx {
		out = append(out, r.slots[cur].node)
		cur = step(r.slots[cur])
	}
	return out
}

func (r *Ring) alloc(n Node) int {
	if len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slots[idx] = slot{node: n, next: nilSlot, prev: nilSlot}
		return idx
	}
	r.slots = append(r.slots, slot{node: n, next: nilSlot, prev: nilSlot})
	return len(r.slots) - 1
}

func (r *Ring) release(idx int) {
	r.slots[idx] = slot{next: nilSlot, prev: nilSlot}
	r.free = append(r.free, idx)
}
