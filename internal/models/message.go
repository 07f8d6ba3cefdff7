package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/ot"
)

// Message types carried in the envelope. Handlers ignore types they do not
// recognize so newer peers stay compatible with older ones.
const (
	// Document collaboration.
	TypeDocumentOperation  = "document_operation"
	TypeCursorMove         = "cursor_move"
	TypeSelectionChange    = "selection_change"
	TypeUserJoin           = "user_join"
	TypeUserLeave          = "user_leave"
	TypeConflictResolution = "conflict_resolution"
	TypeDocumentSync       = "document_sync"

	// Spreadsheet collaboration.
	TypeCellLock       = "cell_lock"
	TypeCellUnlock     = "cell_unlock"
	TypeCellEditStart  = "cell_edit_start"
	TypeCellEditEnd    = "cell_edit_end"
	TypeCellOperation  = "cell_operation"
	TypeUserCursorMove = "user_cursor_move"
	TypeSyncRequest    = "sync_request"
	TypeSyncResponse   = "sync_response"
	TypeVersionUpdate  = "version_update"

	// Control.
	TypeAuthenticate         = "authenticate"
	TypeAuthenticationResult = "authentication_result"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeError                = "error"
)

// ErrUnknownMessageType is returned by DecodeMessage for a type outside the
// protocol. Receivers log and drop such messages rather than failing the
// connection.
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is the wire frame for every collaboration message.
type Envelope struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"resourceId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Typed payloads, one closed struct per message kind.

type DocumentOperationPayload struct {
	Operation ot.Operation `json:"operation"`
	Version   uint64       `json:"version"`
}

type CursorMovePayload struct {
	Cursor Cursor `json:"cursor"`
}

type SelectionChangePayload struct {
	Selection Selection `json:"selection"`
}

type UserJoinPayload struct {
	User User `json:"user"`
}

type UserLeavePayload struct {
	UserID string `json:"userId"`
}

type ConflictResolutionPayload struct {
	Conflict   Conflict   `json:"conflict"`
	Resolution Resolution `json:"resolution"`
}

type DocumentSyncPayload struct {
	Content    string         `json:"content"`
	Version    uint64         `json:"version"`
	Operations []ot.Operation `json:"operations,omitempty"`
	Users      []*User        `json:"users,omitempty"`
}

type CellLockPayload struct {
	Lock CellLock `json:"lock"`
}

type CellUnlockPayload struct {
	CellRef string `json:"cellRef"`
	SheetID string `json:"sheetId"`
}

type CellEditStartPayload struct {
	Indicator EditIndicator `json:"indicator"`
}

type CellEditEndPayload struct {
	CellRef string `json:"cellRef"`
	SheetID string `json:"sheetId"`
}

type CellOperationPayload struct {
	Edit    CellEdit `json:"edit"`
	Version uint64   `json:"version"`
}

type UserCursorMovePayload struct {
	CellRef string `json:"cellRef"`
	SheetID string `json:"sheetId"`
}

type SyncRequestPayload struct {
	FromVersion uint64 `json:"fromVersion"`
}

type SyncResponsePayload struct {
	Operations     []ot.Operation `json:"operations,omitempty"`
	Edits          []*CellEdit    `json:"edits,omitempty"`
	CurrentVersion uint64         `json:"currentVersion"`
}

type VersionUpdatePayload struct {
	Version  uint64    `json:"version"`
	LastEdit *CellEdit `json:"lastEdit,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticationResultPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage marshals payload into a ready-to-send envelope. A nil payload
// produces an envelope with no data (ping/pong).
func NewMessage(msgType, resourceID, userID string, payload any) ([]byte, error) {
	env := Envelope{
		Type:       msgType,
		ResourceID: resourceID,
		UserID:     userID,
		Timestamp:  time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeMessage parses a raw frame into its envelope and typed payload. The
// payload type is closed per message kind: extra or missing fields fall back
// to zero values, but an unlisted type yields ErrUnknownMessageType.
func DecodeMessage(raw []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("malformed message: %w", err)
	}

	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return env, nil, err
	}
	return env, payload, nil
}

func decodePayload(msgType string, data json.RawMessage) (any, error) {
	var payload any
	switch msgType {
	case TypeDocumentOperation:
		payload = &DocumentOperationPayload{}
	case TypeCursorMove:
		payload = &CursorMovePayload{}
	case TypeSelectionChange:
		payload = &SelectionChangePayload{}
	case TypeUserJoin:
		payload = &UserJoinPayload{}
	case TypeUserLeave:
		payload = &UserLeavePayload{}
	case TypeConflictResolution:
		payload = &ConflictResolutionPayload{}
	case TypeDocumentSync:
		payload = &DocumentSyncPayload{}
	case TypeCellLock:
		payload = &CellLockPayload{}
	case TypeCellUnlock:
		payload = &CellUnlockPayload{}
	case TypeCellEditStart:
		payload = &CellEditStartPayload{}
	case TypeCellEditEnd:
		payload = &CellEditEndPayload{}
	case TypeCellOperation:
		payload = &CellOperationPayload{}
	case TypeUserCursorMove:
		payload = &UserCursorMovePayload{}
	case TypeSyncRequest:
		payload = &SyncRequestPayload{}
	case TypeSyncResponse:
		payload = &SyncResponsePayload{}
	case TypeVersionUpdate:
		payload = &VersionUpdatePayload{}
	case TypeAuthenticate:
		payload = &AuthenticatePayload{}
	case TypeAuthenticationResult:
		payload = &AuthenticationResultPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	case TypePing, TypePong:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", msgType, err)
		}
	}
	return payload, nil
}
