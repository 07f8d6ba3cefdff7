package models

import (
	"hash/fnv"
	"time"
)

// User is the presence record for one member of a session. It is ephemeral
// state owned by the session, not an account: identity lives with the auth
// service and is consumed through the identity interface.
type User struct {
	ID              string      `json:"id"`
	DisplayName     string      `json:"displayName"`
	Color           string      `json:"color"`
	IsOnline        bool        `json:"isOnline"`
	LastSeen        time.Time   `json:"lastSeen"`
	LastActivity    time.Time   `json:"lastActivity"`
	ActiveCell      *CellRef    `json:"activeCell,omitempty"`
	ActiveSelection *Selection  `json:"activeSelection,omitempty"`
	Cursor          *Cursor     `json:"cursor,omitempty"`
}

// Cursor is a caret position inside a text document, in rune offsets.
type Cursor struct {
	Position int `json:"position"`
}

// Selection is a half-open text range [Start, End).
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// colorPalette is the fixed set of presence colors. Colors are assigned by
// hashing the user id so every client renders the same user identically
// without any coordination.
var colorPalette = []string{
	"#e53935", "#d81b60", "#8e24aa", "#5e35b1", "#3949ab",
	"#1e88e5", "#00897b", "#43a047", "#fb8c00", "#6d4c41",
}

// ColorForUser returns the deterministic presence color for a user id.
func ColorForUser(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// NewUser builds an online presence record with the derived color and fresh
// activity timestamps.
func NewUser(id, displayName string) *User {
	now := time.Now()
	return &User{
		ID:           id,
		DisplayName:  displayName,
		Color:        ColorForUser(id),
		IsOnline:     true,
		LastSeen:     now,
		LastActivity: now,
	}
}

// Touch refreshes the activity timestamps. Re-joining an existing member is a
// membership no-op but always goes through here.
func (u *User) Touch() {
	now := time.Now()
	u.IsOnline = true
	u.LastSeen = now
	u.LastActivity = now
}
