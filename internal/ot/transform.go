package ot

// Transform takes two concurrent operations created against the same document
// state and returns transformed versions that can be applied in either order
// to reach the same final state:
//
//	Apply(Apply(c, a), b') == Apply(Apply(c, b), a')
//
// Retain and Format operations do not move content, so they pass through
// unchanged except that Format ranges are shifted like deletes' targets.
// On an insert/insert position tie, a wins: it keeps its position and b is
// shifted right.
func Transform(a, b Operation) (Operation, Operation) {
	switch {
	case a.Kind == OpInsert && b.Kind == OpInsert:
		return transformInsertInsert(a, b)
	case a.Kind == OpInsert && b.Kind == OpDelete:
		return transformInsertDelete(a, b)
	case a.Kind == OpDelete && b.Kind == OpInsert:
		bPrime, aPrime := transformInsertDelete(b, a)
		return aPrime, bPrime
	case a.Kind == OpDelete && b.Kind == OpDelete:
		return transformDeleteDelete(a, b)
	case a.Kind == OpInsert || a.Kind == OpDelete:
		// b is retain/format: shift b's range past a, leave a alone.
		return a, shiftRange(b, a)
	case b.Kind == OpInsert || b.Kind == OpDelete:
		return shiftRange(a, b), b
	default:
		return a, b
	}
}

// TransformAgainstAll rebases op across every operation in applied, in order.
// Used when a client submitted op against an older version: the result is the
// operation as it should read against the state after applied.
func TransformAgainstAll(op Operation, applied []Operation) Operation {
	for _, h := range applied {
		_, op = Transform(h, op)
	}
	return op
}

func transformInsertInsert(a, b Operation) (Operation, Operation) {
	aPrime, bPrime := a, b
	if a.Position <= b.Position {
		bPrime.Position += a.textLen()
	} else {
		aPrime.Position += b.textLen()
	}
	return aPrime, bPrime
}

// transformInsertDelete handles insert a against delete b. An insert landing
// strictly inside b's range is swallowed: a becomes a no-op and b grows to
// cover the inserted text, which is the only single-operation outcome that
// converges from both sides.
func transformInsertDelete(a, b Operation) (Operation, Operation) {
	aPrime, bPrime := a, b
	switch {
	case a.Position <= b.Position:
		bPrime.Position += a.textLen()
	case a.Position >= b.end():
		aPrime.Position -= b.Length
	default:
		aPrime.Kind = OpRetain
		aPrime.Text = ""
		aPrime.Length = 0
		bPrime.Length += a.textLen()
	}
	return aPrime, bPrime
}

func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	aPrime, bPrime := a, b

	// Shift each start left by how much of the other range lies before it,
	// and shrink each length by the overlap.
	aPrime.Position = a.Position - before(b, a.Position)
	bPrime.Position = b.Position - before(a, b.Position)
	ov := overlap(a, b)
	aPrime.Length -= ov
	bPrime.Length -= ov
	return aPrime, bPrime
}

// shiftRange adjusts a retain/format operation r for a concurrent
// insert/delete other.
func shiftRange(r, other Operation) Operation {
	switch other.Kind {
	case OpInsert:
		if other.Position <= r.Position {
			r.Position += other.textLen()
		}
	case OpDelete:
		r.Position -= before(other, r.Position)
		if r.Length > 0 {
			r.Length -= overlap(other, r)
			if r.Length < 0 {
				r.Length = 0
			}
		}
	}
	return r
}

// before returns how many runes of delete d fall strictly before pos.
func before(d Operation, pos int) int {
	if d.Position >= pos {
		return 0
	}
	n := pos - d.Position
	if n > d.Length {
		n = d.Length
	}
	return n
}

// overlap returns the rune count shared by two ranges.
func overlap(a, b Operation) int {
	lo := a.Position
	if b.Position > lo {
		lo = b.Position
	}
	hi := a.end()
	if b.end() < hi {
		hi = b.end()
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
