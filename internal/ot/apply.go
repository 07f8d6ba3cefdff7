package ot

// Apply returns content with op applied. Positions are rune offsets; every
// bound is clamped to the content, so a delete whose range runs past the end
// truncates instead of failing. Retain and Format leave raw content untouched.
func Apply(content string, op Operation) string {
	runes := []rune(content)

	switch op.Kind {
	case OpInsert:
		pos := clamp(op.Position, 0, len(runes))
		out := make([]rune, 0, len(runes)+op.textLen())
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[pos:]...)
		return string(out)

	case OpDelete:
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.Position+op.Length, start, len(runes))
		out := make([]rune, 0, len(runes)-(end-start))
		out = append(out, runes[:start]...)
		out = append(out, runes[end:]...)
		return string(out)

	default:
		return content
	}
}

// Invert produces the operation that undoes op, given the content op was
// applied against. Insert and Delete are a symmetric pair; Retain and Format
// invert to themselves since they never change raw content.
func Invert(op Operation, content string) Operation {
	inv := op
	switch op.Kind {
	case OpInsert:
		inv.Kind = OpDelete
		inv.Length = op.textLen()
		inv.Text = ""
	case OpDelete:
		runes := []rune(content)
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.Position+op.Length, start, len(runes))
		inv.Kind = OpInsert
		inv.Text = string(runes[start:end])
		inv.Length = 0
	}
	return inv
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
