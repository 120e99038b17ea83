package websocket

// Token identifies a connection slot in the reactor's slab. It embeds a
// generation counter so that a Token captured before a slot was reused for
// a different connection can be detected as stale instead of silently
// addressing the wrong connection (RFC 6455 doesn't speak to this; it's an
// implementation-level cyclic-ownership hazard any slab-based reactor has
// to guard against).
type Token struct {
	index      int
	generation uint32
}

// slab is the connection slot table the reactor indexes by Token. Slots are
// reused (never individually freed back to the OS) once a connection
// finishes closing; reuse bumps the slot's generation so stale Tokens fail
// the generation check in get/remove instead of aliasing a new connection.
type slab struct {
	slots       []slabSlot
	freeList    []int
	maxSlots    int
}

type slabSlot struct {
	generation uint32
	conn       *connection // nil when the slot is free
}

func newSlab(maxSlots int) *slab {
	return &slab{maxSlots: maxSlots}
}

// insert allocates a slot for c and returns its Token. It returns
// (Token{}, false) when the slab is at maxSlots capacity.
func (s *slab) insert(c *connection) (Token, bool) {
	if n := len(s.freeList); n > 0 {
		idx := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.slots[idx].conn = c
		return Token{index: idx, generation: s.slots[idx].generation}, true
	}

	if s.maxSlots > 0 && len(s.slots) >= s.maxSlots {
		return Token{}, false
	}

	idx := len(s.slots)
	s.slots = append(s.slots, slabSlot{generation: 1, conn: c})
	return Token{index: idx, generation: 1}, true
}

// get returns the connection addressed by tok, or (nil, ErrStaleToken) if
// tok's generation no longer matches the slot's current occupant.
func (s *slab) get(tok Token) (*connection, error) {
	if tok.index < 0 || tok.index >= len(s.slots) {
		return nil, WrapError(KindInternal, "token index out of range", ErrStaleToken)
	}
	slot := &s.slots[tok.index]
	if slot.conn == nil || slot.generation != tok.generation {
		return nil, WrapError(KindInternal, "stale token", ErrStaleToken)
	}
	return slot.conn, nil
}

// remove frees tok's slot, bumping its generation so any Token still
// pointing at it is now stale.
func (s *slab) remove(tok Token) {
	if tok.index < 0 || tok.index >= len(s.slots) {
		return
	}
	slot := &s.slots[tok.index]
	if slot.conn == nil || slot.generation != tok.generation {
		return
	}
	slot.conn = nil
	slot.generation++
	s.freeList = append(s.freeList, tok.index)
}

// each calls fn for every currently occupied slot, in slot order. fn must
// not insert into or remove from the slab.
func (s *slab) each(fn func(Token, *connection)) {
	for i := range s.slots {
		if c := s.slots[i].conn; c != nil {
			fn(Token{index: i, generation: s.slots[i].generation}, c)
		}
	}
}

// len returns the number of currently occupied slots.
func (s *slab) len() int {
	return len(s.slots) - len(s.freeList)
}
