package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echolab/stt-gateway/internal/observability"
	"github.com/echolab/stt-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local tool; tighten when exposed beyond localhost
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Session is the part of a transcription session the broadcaster consumes
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	GetParts() []session.Part
	GetTranscript() string
	Failed() bool
	Err() error
}

// SessionFactory builds a fresh session for one websocket client
type SessionFactory func() (Session, error)

// statusMessage is the terminal frame sent to the client when the session
// ends on the server side
type statusMessage struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Transcript string `json:"transcript"`
}

// Handler serves one live transcription session per websocket client. On a
// fixed interval it drains the session's parts and forwards each drained
// batch as one JSON array message.
func Handler(newSession SessionFactory, flushInterval time.Duration) http.HandlerFunc {
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}

	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger().With().Str("component", "broadcast").Logger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to upgrade connection")
			return
		}
		defer conn.Close()

		sess, err := newSession()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to build session")
			conn.WriteJSON(statusMessage{Status: "error", Error: err.Error()})
			return
		}

		if err := sess.Start(r.Context()); err != nil {
			logger.Error().Err(err).Msg("Failed to start session")
			conn.WriteJSON(statusMessage{Status: "error", Error: err.Error()})
			return
		}
		defer sess.Stop()

		logger.Info().Msg("Client connected, session started")

		// Reads only serve to notice the client going away
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-clientGone:
				logger.Info().Msg("Client disconnected")
				return

			case <-ticker.C:
				if parts := sess.GetParts(); len(parts) > 0 {
					if err := conn.WriteJSON(parts); err != nil {
						logger.Warn().Err(err).Msg("Failed to write parts")
						return
					}
				}

				if sess.Failed() {
					// Flush anything folded before the failure, then tell
					// the client how the session ended.
					if parts := sess.GetParts(); len(parts) > 0 {
						conn.WriteJSON(parts)
					}
					msg := statusMessage{Status: "failed", Transcript: sess.GetTranscript()}
					if err := sess.Err(); err != nil {
						msg.Error = err.Error()
					}
					conn.WriteJSON(msg)
					logger.Warn().Err(sess.Err()).Msg("Session failed, closing client")
					return
				}
			}
		}
	}
}
