package ot

import (
	"time"

	"github.com/segmentio/ksuid"
)

// OpKind discriminates the text operation variants.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpRetain OpKind = "retain"
	OpFormat OpKind = "format"
)

// Operation is a single text edit, positioned in runes from the start of the
// document. Retain and Format never change raw content; Format carries the
// attribute overlay for its range.
type Operation struct {
	ID         string         `json:"id"`
	Kind       OpKind         `json:"kind"`
	Position   int            `json:"position"`
	Text       string         `json:"text,omitempty"`
	Length     int            `json:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UserID     string         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    uint64         `json:"version"`
}

// NewInsert builds an insert operation at position for the given user.
func NewInsert(position int, text, userID string) Operation {
	return Operation{
		ID:        ksuid.New().String(),
		Kind:      OpInsert,
		Position:  position,
		Text:      text,
		UserID:    userID,
		Timestamp: time.Now(),
	}
}

// NewDelete builds a delete operation covering length runes from position.
func NewDelete(position, length int, userID string) Operation {
	return Operation{
		ID:        ksuid.New().String(),
		Kind:      OpDelete,
		Position:  position,
		Length:    length,
		UserID:    userID,
		Timestamp: time.Now(),
	}
}

// IsNoop reports whether the operation has no effect on content. Transforms
// can reduce an operation to nothing (for example an insert swallowed by a
// concurrent delete); such operations still occupy a version slot.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case OpInsert:
		return op.Text == ""
	case OpDelete:
		return op.Length <= 0
	default:
		return true
	}
}

// textLen is the rune length of the inserted text.
func (op Operation) textLen() int {
	return len([]rune(op.Text))
}

// end is the exclusive end of a delete's range.
func (op Operation) end() int {
	return op.Position + op.Length
}
