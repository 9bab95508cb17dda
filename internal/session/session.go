package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/echolab/stt-gateway/internal/audio"
	"github.com/echolab/stt-gateway/internal/observability"
	"github.com/echolab/stt-gateway/internal/stt"
)

// drainInterval is how often the assembly task polls the link for tokens
const drainInterval = 10 * time.Millisecond

// Part is one increment of recognized text delivered to a consumer. A
// non-final part is a live value superseding any prior non-final part; a
// final part is permanently appended to the transcript.
type Part struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Source is the audio capture the session pulls chunks from
type Source interface {
	Start(cfg audio.Config) error
	ReadChunk(ctx context.Context) ([]byte, error)
	Stop() error
}

// Link is the transcription connection the session feeds and drains
type Link interface {
	Connect(ctx context.Context) error
	SendAudio(chunk []byte) error
	DrainTokens() []stt.Token
	Err() error
	Disconnect() error
}

// ErrAlreadyStarted indicates Start was called on a running session
var ErrAlreadyStarted = errors.New("session already started")

type sessionState int

const (
	stateIdle sessionState = iota
	stateStarting
	stateRunning
	stateFailed
	stateStopped
)

// Session binds one audio source to one transcription link, assembles the
// token stream into a running transcript and buffers parts for a consumer.
// Source and Link are constructor-injected so sessions can coexist and
// tests can substitute fakes.
type Session struct {
	id       string
	source   Source
	link     Link
	audioCfg audio.Config
	logger   zerolog.Logger
	metrics  *observability.SessionMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    sessionState
	tornDown bool
	finals   []string
	partial  string
	parts    []Part
	lastErr  error
}

// New creates an idle session
func New(source Source, link Link, audioCfg audio.Config) *Session {
	id := observability.NewSessionID()
	return &Session{
		id:       id,
		source:   source,
		link:     link,
		audioCfg: audioCfg,
		logger:   observability.WithSessionID(id),
		metrics:  observability.NewSessionMetrics(id),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Start connects the link, starts the source and launches the forwarding
// and assembly tasks. If one of the two collaborators starts and the other
// fails, the started one is rolled back before the error is surfaced.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = stateStarting
	s.mu.Unlock()

	if err := s.link.Connect(ctx); err != nil {
		s.setState(stateIdle)
		return fmt.Errorf("connect link: %w", err)
	}

	if err := s.source.Start(s.audioCfg); err != nil {
		// Roll back the half-started session
		if derr := s.link.Disconnect(); derr != nil {
			s.logger.Warn().Err(derr).Msg("Rollback disconnect failed")
		}
		s.setState(stateIdle)
		return fmt.Errorf("start audio source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.state = stateRunning
	s.cancel = cancel
	s.mu.Unlock()

	s.metrics.RecordSessionStart()

	s.wg.Add(2)
	go s.forwardAudio(loopCtx)
	go s.assembleTokens(loopCtx)

	s.logger.Info().Msg("Session started")
	return nil
}

// Stop cancels the background tasks, waits for them, then stops the source
// and disconnects the link, in that order. Idempotent; stopping a session
// that already failed performs the same teardown without reporting the
// failure as a stop error.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == stateIdle || s.tornDown {
		s.mu.Unlock()
		return nil
	}
	s.tornDown = true
	failed := s.state == stateFailed
	if !failed {
		s.state = stateStopped
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	// Audio is silenced before the network link is torn down so no chunk
	// is produced with nowhere to go.
	var firstErr error
	if err := s.source.Stop(); err != nil {
		firstErr = fmt.Errorf("stop audio source: %w", err)
	}
	if err := s.link.Disconnect(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("disconnect link: %w", err)
	}

	s.metrics.RecordSessionEnd(failed)
	s.logger.Info().Bool("failed", failed).Msg("Session stopped")
	return firstErr
}

// GetParts drains and returns every part buffered since the previous call,
// in arrival order. Each part is delivered at most once.
func (s *Session) GetParts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := s.parts
	s.parts = nil
	return parts
}

// GetTranscript renders the current transcript: the finalized segments
// joined by spaces, followed by the live partial text if there is one.
// It does not drain anything and is safe to call any number of times.
func (s *Session) GetTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	joined := strings.Join(s.finals, " ")
	if s.partial == "" {
		return joined
	}
	if joined == "" {
		return s.partial
	}
	return joined + " " + s.partial
}

// Err returns the failure that ended the session, or nil while it is
// healthy or after a user-initiated stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Failed reports whether the session ended due to a fault rather than a
// user-initiated stop
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateFailed
}

// Running reports whether the session tasks are live
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// fail marks the session as failed with the given cause and cancels the
// background tasks. The first fault wins; cancellation is never a fault.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateFailed
	s.lastErr = err
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Session failed")
	cancel()
}

// forwardAudio pulls chunks from the source and feeds them to the link
// until cancelled
func (s *Session) forwardAudio(ctx context.Context) {
	defer s.wg.Done()

	for {
		chunk, err := s.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrStopped) {
				return
			}
			s.fail(fmt.Errorf("read chunk: %w", err))
			return
		}

		if err := s.link.SendAudio(chunk); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("send audio: %w", err))
			return
		}
	}
}

// assembleTokens drains the link on a short interval and folds each token
// into the transcript state and the part buffer, in arrival order
func (s *Session) assembleTokens(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fold(s.link.DrainTokens())

			if err := s.link.Err(); err != nil {
				// Drain whatever arrived before the link died
				s.fold(s.link.DrainTokens())
				s.fail(fmt.Errorf("link: %w", err))
				return
			}
		}
	}
}

// fold applies tokens to the transcript state. A final token appends its
// text to the finalized segments and clears the partial; a non-final token
// replaces the partial wholesale. Every token also becomes one part.
func (s *Session) fold(tokens []stt.Token) {
	if len(tokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range tokens {
		if token.IsFinal {
			if token.Text != "" {
				s.finals = append(s.finals, token.Text)
			}
			s.partial = ""
		} else {
			s.partial = token.Text
		}
		s.parts = append(s.parts, Part{Text: token.Text, IsFinal: token.IsFinal})
	}
}
