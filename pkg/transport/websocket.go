package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/parley/pkg/audio"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/synth"
)

var _ Transport = (*WebSocket)(nil)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	SessionID string

	// Format is the caller's audio profile.
	Format audio.Format

	// Generation, when set, lets the writer drop queued chunks whose turn
	// has been canceled.
	Generation synth.Generation

	// AudioBuffer is the outbound audio queue depth in chunks. Defaults
	// to 32.
	AudioBuffer int

	// WriteTimeout bounds each socket write. Defaults to 5s.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// WebSocket is a Transport over a gorilla websocket connection. Binary
// messages carry raw audio; text messages carry envelopes.
type WebSocket struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *slog.Logger

	frames   chan []byte
	messages chan protocol.Envelope
	audio    chan synth.Chunk
	control  chan []byte

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocket wraps conn and starts its read and write loops.
func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With("component", "transport", "session", cfg.SessionID),
		frames:   make(chan []byte, 64),
		messages: make(chan protocol.Envelope, 16),
		audio:    make(chan synth.Chunk, cfg.AudioBuffer),
		control:  make(chan []byte, 16),
		closeCh:  make(chan struct{}),
	}
	ws.wg.Add(2)
	go ws.readLoop()
	go ws.writeLoop()
	return ws
}

func (ws *WebSocket) Format() audio.Format               { return ws.cfg.Format }
func (ws *WebSocket) Frames() <-chan []byte              { return ws.frames }
func (ws *WebSocket) Messages() <-chan protocol.Envelope { return ws.messages }
func (ws *WebSocket) Done() <-chan struct{}              { return ws.closeCh }

// WriteAudio queues a chunk, blocking while the queue is full.
func (ws *WebSocket) WriteAudio(ctx context.Context, c synth.Chunk) error {
	if ws.closed() {
		return ErrClosed
	}
	select {
	case ws.audio <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ws.closeCh:
		return ErrClosed
	}
}

// Send queues an envelope. Envelopes are written ahead of queued audio.
func (ws *WebSocket) Send(ctx context.Context, env protocol.Envelope) error {
	if ws.closed() {
		return ErrClosed
	}
	b, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case ws.control <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ws.closeCh:
		return ErrClosed
	}
}

func (ws *WebSocket) closed() bool {
	select {
	case <-ws.closeCh:
		return true
	default:
		return false
	}
}

// Clear drops queued audio.
func (ws *WebSocket) Clear() int {
	n := 0
	for {
		select {
		case <-ws.audio:
			n++
		default:
			return n
		}
	}
}

// Close closes the connection and waits for both loops to exit.
func (ws *WebSocket) Close() error {
	err := ws.shutdown()
	ws.wg.Wait()
	return err
}

func (ws *WebSocket) shutdown() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
		deadline := time.Now().Add(time.Second)
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocket) readLoop() {
	defer ws.wg.Done()
	defer close(ws.messages)
	defer close(ws.frames)

	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closeCh:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ws.logger.Warn("transport: read failed", "error", err)
				} else {
					ws.logger.Debug("transport: peer closed", "error", err)
				}
				ws.shutdown()
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			select {
			case ws.frames <- data:
			case <-ws.closeCh:
				return
			}
		case websocket.TextMessage:
			env, err := protocol.Unmarshal(data)
			if err != nil {
				ws.logger.Warn("transport: bad envelope", "error", err)
				continue
			}
			select {
			case ws.messages <- env:
			case <-ws.closeCh:
				return
			}
		}
	}
}

func (ws *WebSocket) writeLoop() {
	defer ws.wg.Done()
	for {
		// Control messages first so barge-in notices overtake queued audio.
		select {
		case b := <-ws.control:
			if err := ws.write(websocket.TextMessage, b); err != nil {
				ws.fail(err)
				return
			}
			continue
		default:
		}

		select {
		case <-ws.closeCh:
			return
		case b := <-ws.control:
			if err := ws.write(websocket.TextMessage, b); err != nil {
				ws.fail(err)
				return
			}
		case c := <-ws.audio:
			if staleChunk(ws.cfg.Generation, c) {
				continue
			}
			if err := ws.write(websocket.BinaryMessage, c.Audio); err != nil {
				ws.fail(err)
				return
			}
		}
	}
}

func (ws *WebSocket) write(mt int, data []byte) error {
	if err := ws.conn.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := ws.conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (ws *WebSocket) fail(err error) {
	select {
	case <-ws.closeCh:
	default:
		ws.logger.Warn("transport: write failed", "error", err)
		ws.shutdown()
	}
}
