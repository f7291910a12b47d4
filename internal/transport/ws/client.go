package ws

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"absurdroom/internal/app"
	"absurdroom/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Size of the send channel buffer
	sendBufferSize = 256

	// Time allowed for one room operation
	actionTimeout = 10 * time.Second
)

// Client is one WebSocket connection to a room, as a player or the host
type Client struct {
	conn     *websocket.Conn
	rooms    *app.Service
	roomCode string
	deviceID string
	role     Role
	options  *domain.OptionTracker
	send     chan []byte
	done     chan struct{}
	logger   zerolog.Logger
	mu       sync.Mutex
	closed   bool
}

// NewClient creates a new WebSocket client. Players get their own option
// tracker drawing from answers.
func NewClient(conn *websocket.Conn, rooms *app.Service, roomCode, deviceID string, role Role, answers []string, optionCount int, logger zerolog.Logger) *Client {
	c := &Client{
		conn:     conn,
		rooms:    rooms,
		roomCode: roomCode,
		deviceID: deviceID,
		role:     role,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger.With().Str("room", roomCode).Str("device", deviceID).Str("role", string(role)).Logger(),
	}
	if role == RolePlayer {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		c.options = domain.NewOptionTracker(answers, optionCount, rng)
	}
	return c
}

// Send queues a message for the peer
func (c *Client) Send(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Buffer full, message dropped
		c.logger.Warn().Msg("send buffer full, message dropped")
		return nil
	}
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)
	return c.conn.Close()
}

// Run starts the client's read and write pumps and blocks until the peer
// goes away
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// OnView renders a room view for this connection. It is called on the
// room feed's goroutine.
func (c *Client) OnView(view app.RoomView) {
	c.Send(NewServerMessage(MsgRoomState, c.roomState(view)))
}

func (c *Client) roomState(view app.RoomView) *RoomStatePayload {
	state := &RoomStatePayload{
		Status:          view.Status,
		Room:            view.Room,
		SubmissionCount: len(view.Submissions),
	}
	if view.Room == nil {
		return state
	}

	if c.role == RoleHost {
		state.Submissions = view.Submissions
		return state
	}

	state.Options = c.options.ForRound(view.Room.Round())
	if mine, ok := domain.FindSubmission(view.Submissions, domain.SubmissionID(view.Room.Round(), c.deviceID)); ok {
		state.MySubmission = mine
	}
	return state
}

// readPump pumps messages from the WebSocket connection
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming message from the client
func (c *Client) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ErrCodeInvalidMessage, "Invalid message format")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch msg.Type {
	case MsgSubmit:
		c.handleSubmit(ctx, msg.Payload)
	case MsgCloseSubmissions:
		c.hostOnly(func() error {
			_, err := c.rooms.CloseSubmissions(ctx, c.roomCode, c.deviceID)
			return err
		})
	case MsgPickWinner:
		var p PickWinnerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.SubmissionID == "" {
			c.sendError(ErrCodeInvalidMessage, "Submission ID is required")
			return
		}
		c.hostOnly(func() error {
			_, err := c.rooms.PickWinner(ctx, c.roomCode, c.deviceID, p.SubmissionID)
			return err
		})
	case MsgNextRound:
		c.hostOnly(func() error {
			_, err := c.rooms.NextRound(ctx, c.roomCode, c.deviceID)
			return err
		})
	case MsgPing:
		c.sendPong()
	default:
		c.sendError(ErrCodeInvalidMessage, "Unknown message type")
	}
}

// handleSubmit handles a submit message
func (c *Client) handleSubmit(ctx context.Context, payload json.RawMessage) {
	if c.role != RolePlayer {
		c.sendError(ErrCodeInvalidAction, "Only players submit answers")
		return
	}

	var p SubmitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError(ErrCodeInvalidMessage, "Invalid payload")
		return
	}

	sub, err := c.rooms.Submit(ctx, c.roomCode, c.deviceID, p.PlayerName, domain.ResolveChoice(p.Pick, p.Custom))
	if err != nil {
		c.sendServiceError(err)
		return
	}
	c.Send(NewServerMessage(MsgSubmitted, sub))
}

// hostOnly runs a host action, reporting its error to the peer
func (c *Client) hostOnly(action func() error) {
	if c.role != RoleHost {
		c.sendError(ErrCodeNotHost, "Only the host can do that")
		return
	}
	if err := action(); err != nil {
		c.sendServiceError(err)
	}
}

// sendConnected sends the connected message to the client
func (c *Client) sendConnected() {
	c.Send(NewServerMessage(MsgConnected, &ConnectedPayload{
		DeviceID: c.deviceID,
		RoomCode: c.roomCode,
		Role:     c.role,
	}))
}

func (c *Client) sendServiceError(err error) {
	code := errorCode(err)
	if code == ErrCodeInternalError || code == ErrCodeStoreUnavailable {
		c.logger.Error().Err(err).Msg("room action failed")
	}
	c.sendError(code, err.Error())
}

// sendError sends an error message to the client
func (c *Client) sendError(code, message string) {
	c.Send(NewServerMessage(MsgError, &ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// sendPong sends a pong message in response to ping
func (c *Client) sendPong() {
	c.Send(NewServerMessage(MsgPong, nil))
}
