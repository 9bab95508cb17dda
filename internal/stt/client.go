package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/echolab/stt-gateway/internal/observability"
)

// DefaultSendQueueSize bounds the outbound audio queue when no size is given
const DefaultSendQueueSize = 512

// Client owns exactly one websocket session to the remote recognizer. It
// translates outbound audio chunks into binary frames and inbound JSON
// messages into tokens, through an independent send loop and receive loop.
//
// There is no automatic reconnect: a dropped connection ends the session
// and the failure is exposed through Err.
type Client struct {
	cfg       SessionConfig
	dialer    *websocket.Dialer
	queueSize int
	logger    zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	sendQ  chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error

	tokensMu sync.Mutex
	tokens   []Token

	gotMessage bool
	dropped    atomic.Int64
}

// Option configures a Client
type Option func(*Client)

// WithDialer substitutes the websocket dialer, used by tests to point the
// client at an in-process server.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithSendQueueSize bounds the outbound audio queue. On overflow the newest
// chunk is dropped so a slow network never blocks the caller.
func WithSendQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// NewClient creates an unconnected link for one session
func NewClient(cfg SessionConfig, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		dialer:    websocket.DefaultDialer,
		queueSize: DefaultSendQueueSize,
		state:     StateDisconnected,
		logger:    observability.GetLogger().With().Str("component", "stt_link").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the transport and sends the handshake. The handshake is on
// the wire before Connect returns, so no audio can overtake it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		observability.RecordLinkError("connect")
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	handshake := handshakeMessage{
		APIKey:        c.cfg.APIKey,
		AudioFormat:   c.cfg.AudioFormat,
		SampleRate:    c.cfg.SampleRate,
		NumChannels:   c.cfg.NumChannels,
		Model:         c.cfg.Model,
		LanguageHints: c.cfg.LanguageHints,
	}
	if err := conn.WriteJSON(handshake); err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		observability.RecordLinkError("handshake")
		return fmt.Errorf("%w: handshake: %v", ErrConnect, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.sendQ = make(chan []byte, c.queueSize)
	c.cancel = cancel
	c.err = nil
	c.gotMessage = false
	c.dropped.Store(0)
	c.state = StateConnected
	c.wg.Add(2)
	c.mu.Unlock()

	go c.sendLoop(loopCtx)
	go c.receiveLoop(loopCtx)

	c.logger.Info().
		Str("model", c.cfg.Model).
		Int("sample_rate", c.cfg.SampleRate).
		Msg("Connected to transcription service")
	return nil
}

// SendAudio enqueues one chunk for transmission. Fails fast when the link
// is not connected; never blocks on a slow network.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sendQ := c.sendQ
	c.mu.Unlock()

	select {
	case sendQ <- chunk:
		return nil
	default:
		n := c.dropped.Add(1)
		observability.RecordDroppedChunk("send")
		c.logger.Warn().Int64("dropped_total", n).Msg("Send queue full, dropping chunk")
		return nil
	}
}

// DrainTokens returns every token that arrived since the previous call, in
// arrival order. Never blocks; returns nil when nothing arrived.
func (c *Client) DrainTokens() []Token {
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()

	tokens := c.tokens
	c.tokens = nil
	return tokens
}

// Err returns the terminal failure of the link, or nil while it is healthy
// or after a clean disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped returns the number of chunks dropped on send queue overflow
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Disconnect cancels the loops, waits for them, then closes the transport.
// Idempotent and safe to call from any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateClosed {
		// Already torn down by a failure; just wait out the loops
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	if c.state == StateConnecting {
		// No loops to wait for yet
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	cancel()
	// Closing the socket unblocks the receive loop's pending read
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Info().Msg("Disconnected from transcription service")
	return nil
}

// fail records the first terminal error, tears the connection down and
// lets both loops wind down. Called from inside the loops, so it must not
// wait on them.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil || c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.state = StateClosing
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Transcription link failed")
	cancel()
	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// sendLoop writes queued chunks to the transport in FIFO order until
// cancelled
func (c *Client) sendLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-c.sendQ:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				if ctx.Err() != nil {
					return
				}
				observability.RecordLinkError("send")
				c.fail(fmt.Errorf("send audio: %w", err))
				return
			}
			observability.RecordAudioChunk(len(chunk))
		}
	}
}

// receiveLoop reads inbound messages, parses them into tokens and publishes
// them to the drain buffer until cancelled or the transport closes
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by Disconnect, not a failure
				return
			}
			observability.RecordLinkError("receive")
			c.fail(fmt.Errorf("receive: %w", err))
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.RecordLinkError("protocol")
			c.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}

		if msg.ErrorMessage != "" {
			// The service ended the session. An error before any other
			// frame means the handshake itself was rejected.
			var svcErr error = &ServiceError{Message: msg.ErrorMessage}
			c.mu.Lock()
			first := !c.gotMessage
			c.mu.Unlock()
			if first {
				svcErr = fmt.Errorf("%w: %w", ErrAuth, svcErr)
			}
			observability.RecordLinkError("service")
			c.fail(svcErr)
			return
		}

		c.mu.Lock()
		c.gotMessage = true
		c.mu.Unlock()

		batch := make([]Token, 0, len(msg.Tokens))
		for _, wt := range msg.Tokens {
			text, err := wt.text()
			if err != nil {
				observability.RecordLinkError("protocol")
				c.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
				return
			}
			batch = append(batch, Token{Text: text, IsFinal: wt.IsFinal})
			observability.RecordToken(wt.IsFinal)
		}

		if len(batch) > 0 {
			c.tokensMu.Lock()
			c.tokens = append(c.tokens, batch...)
			c.tokensMu.Unlock()
		}
	}
}
