package collab

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/middleware"
	"github.com/benbazus/qub-drive-sub000/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket attachment to a session: a read pump dispatching
// inbound frames into the session actor and a write pump draining the
// subscriber channel. The pumps run on their own goroutines so a slow write
// never blocks reads or the heartbeat.
type Client struct {
	record      *models.Connection
	conn        *websocket.Conn
	session     *Session
	registry    *Registry
	send        chan []byte
	dropped     <-chan struct{}
	unsubscribe func()
	heartbeat   time.Duration

	authenticated bool
}

// ReadPump consumes frames from the connection until it drops, then detaches
// the subscriber and removes the user's presence. Malformed frames and
// unknown message types are logged and dropped; they never tear down the
// connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.unsubscribe()
		c.session.Leave(c.record.UserID)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.record.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.record.ID, err)
			}
			return
		}
		c.record.LastActiveAt = time.Now()

		msgCtx, span := middleware.StartSpan(ctx, "Collab.ProcessMessage",
			attribute.String("connection.id", c.record.ID),
			attribute.String("resource.id", c.record.ResourceID),
			attribute.Int("message.size", len(raw)),
		)

		env, payload, err := models.DecodeMessage(raw)
		if err != nil {
			if errors.Is(err, models.ErrUnknownMessageType) {
				log.Printf("ignoring unknown message type from %s: %v", c.record.ID, err)
			} else {
				log.Printf("dropping malformed message from %s: %v", c.record.ID, err)
			}
			middleware.AddSpanError(msgCtx, err)
			span.End()
			continue
		}

		if err := c.handleMessage(env, payload); err != nil {
			c.sendError("rejected", err.Error())
			middleware.AddSpanError(msgCtx, err)
		}
		span.End()
	}
}

// handleMessage routes one decoded frame. Types not meaningful for this
// resource kind fall through silently for forward compatibility.
func (c *Client) handleMessage(env models.Envelope, payload any) error {
	userID := c.record.UserID

	switch p := payload.(type) {
	case *models.AuthenticatePayload:
		c.authenticate(p.Token)
		return nil
	case nil:
		if env.Type == models.TypePing {
			c.sendDirect(models.TypePong, nil)
		}
		return nil
	}

	if !c.authenticated {
		return errors.New("not authenticated")
	}

	switch p := payload.(type) {
	case *models.DocumentOperationPayload:
		return c.session.SubmitOperation(userID, p.Operation, p.Version)

	case *models.CursorMovePayload:
		return c.session.MoveCursor(userID, p.Cursor)

	case *models.SelectionChangePayload:
		return c.session.ChangeSelection(userID, p.Selection)

	case *models.CellOperationPayload:
		edit := p.Edit
		edit.UserID = userID
		applied, err := c.session.SubmitCellEdit(&edit)
		if err != nil {
			return err
		}
		if !applied {
			c.sendError("lock_conflict", "cell is locked by another user")
		}
		return nil

	case *models.CellLockPayload:
		granted, err := c.session.LockCell(userID, p.Lock.CellRef, p.Lock.SheetID, p.Lock.LockType)
		if err != nil {
			return err
		}
		if !granted {
			c.sendError("lock_unavailable", "cell is locked by another user")
		}
		return nil

	case *models.CellUnlockPayload:
		_, err := c.session.UnlockCell(userID, p.CellRef, p.SheetID)
		return err

	case *models.CellEditStartPayload:
		ind := p.Indicator
		ind.UserID = userID
		return c.session.StartCellEdit(ind)

	case *models.CellEditEndPayload:
		return c.session.EndCellEdit(userID, p.CellRef, p.SheetID)

	case *models.UserCursorMovePayload:
		return c.session.MoveCellCursor(userID, p.CellRef, p.SheetID)

	case *models.SyncRequestPayload:
		resp, ok, err := c.session.SyncSince(p.FromVersion)
		if err != nil {
			return err
		}
		if !ok {
			// The requested version is older than the in-memory window; an
			// incremental response would be gapped, so resend the full state.
			snap, err := c.session.Snapshot()
			if err != nil {
				return err
			}
			c.sendDirect(models.TypeDocumentSync, snap)
			return nil
		}
		c.sendDirect(models.TypeSyncResponse, resp)
		return nil

	case *models.ConflictResolutionPayload:
		keepID := ""
		if len(p.Conflict.Operations) > 0 {
			keepID = p.Conflict.Operations[0].ID
		}
		return c.session.ResolveConflict(p.Conflict.ID, keepID, userID)

	case *models.UserLeavePayload:
		c.session.Leave(userID)
		return nil
	}

	return nil
}

func (c *Client) authenticate(token string) {
	if token == "" {
		c.sendDirect(models.TypeAuthenticationResult, models.AuthenticationResultPayload{
			Success: false,
			Message: "missing token",
		})
		return
	}
	// Token issuance and validation are owned by the auth service; the
	// session layer only needs "this user may be in the session".
	c.authenticated = true
	c.sendDirect(models.TypeAuthenticationResult, models.AuthenticationResultPayload{Success: true})
}

// sendDirect queues a frame for this connection only.
func (c *Client) sendDirect(msgType string, payload any) {
	frame, err := models.NewMessage(msgType, c.record.ResourceID, c.record.UserID, payload)
	if err != nil {
		log.Printf("failed to encode %s for %s: %v", msgType, c.record.ID, err)
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("send buffer full for %s, dropping %s", c.record.ID, msgType)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendDirect(models.TypeError, models.ErrorPayload{Code: code, Message: message})
}

// WritePump drains the subscriber channel to the socket, one frame per
// message, and pings on the heartbeat interval. The send channel is never
// closed; a closed dropped channel means the session detached this
// connection, and the pump ends with a close frame.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.dropped:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
