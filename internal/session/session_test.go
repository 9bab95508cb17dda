package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/echolab/stt-gateway/internal/audio"
	"github.com/echolab/stt-gateway/internal/stt"
)

// stubLink is an in-memory Link whose tokens and failures are injected by
// the test.
type stubLink struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	tokens      []stt.Token
	sent        [][]byte
	err         error
	disconnects int
}

func (l *stubLink) Connect(ctx context.Context) error {
	if l.connectErr != nil {
		return l.connectErr
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *stubLink) SendAudio(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return stt.ErrNotConnected
	}
	l.sent = append(l.sent, chunk)
	return nil
}

func (l *stubLink) DrainTokens() []stt.Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := l.tokens
	l.tokens = nil
	return tokens
}

func (l *stubLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *stubLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.disconnects++
	return nil
}

func (l *stubLink) emit(tokens ...stt.Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, tokens...)
}

func (l *stubLink) failWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *stubLink) sentChunks() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// stubSource is an in-memory Source fed by the test
type stubSource struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stops    int
	chunks   chan []byte
	done     chan struct{}
}

func newStubSource() *stubSource {
	return &stubSource{
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (s *stubSource) Start(cfg audio.Config) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *stubSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.done:
		return nil, audio.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		close(s.done)
	}
	s.stops++
	return nil
}

func testAudioConfig() audio.Config {
	return audio.Config{SampleRate: 16000, Channels: 1, BlockDurationMS: 20}
}

func newTestSession() (*Session, *stubSource, *stubLink) {
	source := newStubSource()
	link := &stubLink{}
	return New(source, link, testAudioConfig()), source, link
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestFold_PartialOverwrite(t *testing.T) {
	sess, _, _ := newTestSession()

	sess.fold([]stt.Token{
		{Text: "A", IsFinal: false},
		{Text: "B", IsFinal: false},
	})

	if got := sess.GetTranscript(); got != "B" {
		t.Errorf("Expected transcript 'B' (partial replaced wholesale), got '%s'", got)
	}
}

func TestFold_FinalAppendsAndResetsPartial(t *testing.T) {
	sess, _, _ := newTestSession()

	sess.fold([]stt.Token{
		{Text: "A", IsFinal: false},
		{Text: "B", IsFinal: true},
	})

	if got := sess.GetTranscript(); got != "B" {
		t.Errorf("Expected transcript 'B', got '%s'", got)
	}

	// A subsequent non-final token appends only as the new partial
	sess.fold([]stt.Token{{Text: "C", IsFinal: false}})
	if got := sess.GetTranscript(); got != "B C" {
		t.Errorf("Expected transcript 'B C', got '%s'", got)
	}
}

func TestFold_EmptyFinalNotAppended(t *testing.T) {
	sess, _, _ := newTestSession()

	sess.fold([]stt.Token{
		{Text: "draft", IsFinal: false},
		{Text: "", IsFinal: true},
	})

	if got := sess.GetTranscript(); got != "" {
		t.Errorf("Expected empty transcript after empty final, got '%s'", got)
	}
}

func TestGetParts_AtMostOnce(t *testing.T) {
	sess, _, _ := newTestSession()

	sess.fold([]stt.Token{
		{Text: "a", IsFinal: false},
		{Text: "b", IsFinal: true},
	})

	first := sess.GetParts()
	if len(first) != 2 {
		t.Fatalf("Expected 2 parts on first drain, got %d", len(first))
	}

	second := sess.GetParts()
	if len(second) != 0 {
		t.Errorf("Expected empty second drain, got %d parts", len(second))
	}
}

func TestGetParts_OrderPreserved(t *testing.T) {
	sess, _, _ := newTestSession()

	var want []Part
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("t%d", i)
		final := i%3 == 0
		sess.fold([]stt.Token{{Text: text, IsFinal: final}})
		want = append(want, Part{Text: text, IsFinal: final})
	}

	got := sess.GetParts()
	if len(got) != len(want) {
		t.Fatalf("Expected %d parts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Part %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSession_StopIdempotent(t *testing.T) {
	sess, source, link := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := sess.Stop(); err != nil {
		t.Errorf("First Stop() returned %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("Second Stop() returned %v", err)
	}

	if sess.Running() {
		t.Error("Expected no running tasks after Stop")
	}
	if source.stops == 0 {
		t.Error("Expected source to be stopped")
	}
	if link.disconnects == 0 {
		t.Error("Expected link to be disconnected")
	}
}

func TestSession_TranscriptAssembly(t *testing.T) {
	sess, _, link := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	link.emit(
		stt.Token{Text: "hello ", IsFinal: false},
		stt.Token{Text: "hello world", IsFinal: false},
		stt.Token{Text: "hello world.", IsFinal: true},
	)

	if !waitFor(t, time.Second, func() bool { return sess.GetTranscript() == "hello world." }) {
		t.Fatalf("Expected transcript 'hello world.', got '%s'", sess.GetTranscript())
	}

	// No partial must remain after the final token
	sess.mu.Lock()
	partial := sess.partial
	sess.mu.Unlock()
	if partial != "" {
		t.Errorf("Expected empty partial after final token, got '%s'", partial)
	}

	parts := sess.GetParts()
	if len(parts) != 3 {
		t.Fatalf("Expected 3 parts, got %d", len(parts))
	}
	if !parts[2].IsFinal || parts[2].Text != "hello world." {
		t.Errorf("Expected final part 'hello world.', got %+v", parts[2])
	}
}

func TestSession_ServiceErrorFailsSession(t *testing.T) {
	sess, _, link := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	link.emit(stt.Token{Text: "so far", IsFinal: true})
	if !waitFor(t, time.Second, func() bool { return sess.GetTranscript() == "so far" }) {
		t.Fatalf("Expected transcript 'so far', got '%s'", sess.GetTranscript())
	}

	link.failWith(&stt.ServiceError{Message: "quota exceeded"})

	if !waitFor(t, time.Second, sess.Failed) {
		t.Fatal("Expected session to report failure")
	}

	var svcErr *stt.ServiceError
	if !errors.As(sess.Err(), &svcErr) {
		t.Errorf("Expected ServiceError cause, got %v", sess.Err())
	}

	// The transcript accumulated before the failure stays retrievable
	if got := sess.GetTranscript(); got != "so far" {
		t.Errorf("Expected transcript 'so far' after failure, got '%s'", got)
	}

	// A failed session still stops cleanly
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() after failure returned %v", err)
	}
	if !sess.Failed() {
		t.Error("Stop must not mask the failed state")
	}
}

func TestSession_ImmediateStop(t *testing.T) {
	sess, _, _ := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() immediately after Start returned %v", err)
	}

	if got := sess.GetTranscript(); got != "" {
		t.Errorf("Expected empty transcript, got '%s'", got)
	}
	if sess.Failed() {
		t.Error("Immediate stop must not count as failure")
	}
	if sess.Err() != nil {
		t.Errorf("Expected no error, got %v", sess.Err())
	}
}

func TestSession_AudioForwardedInOrder(t *testing.T) {
	sess, source, link := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	for i := 0; i < 5; i++ {
		source.chunks <- []byte{byte(i)}
	}

	if !waitFor(t, time.Second, func() bool { return len(link.sentChunks()) == 5 }) {
		t.Fatalf("Expected 5 forwarded chunks, got %d", len(link.sentChunks()))
	}
	for i, chunk := range link.sentChunks() {
		if chunk[0] != byte(i) {
			t.Errorf("Chunk %d out of order: %v", i, chunk)
		}
	}
}

func TestSession_StartRollsBackLinkOnSourceFailure(t *testing.T) {
	source := newStubSource()
	source.startErr = fmt.Errorf("device busy")
	link := &stubLink{}
	sess := New(source, link, testAudioConfig())

	if err := sess.Start(context.Background()); err == nil {
		t.Fatal("Expected Start to fail when the source cannot start")
	}

	if link.disconnects != 1 {
		t.Errorf("Expected the connected link to be rolled back, disconnects=%d", link.disconnects)
	}
	if sess.Running() {
		t.Error("Session must not be running after failed start")
	}
}

func TestSession_StartFailsWhenLinkFails(t *testing.T) {
	source := newStubSource()
	link := &stubLink{connectErr: stt.ErrConnect}
	sess := New(source, link, testAudioConfig())

	err := sess.Start(context.Background())
	if !errors.Is(err, stt.ErrConnect) {
		t.Errorf("Expected connect error, got %v", err)
	}

	source.mu.Lock()
	started := source.started
	source.mu.Unlock()
	if started {
		t.Error("Source must not be started when the link fails first")
	}
}

func TestSession_StartTwice(t *testing.T) {
	sess, _, _ := newTestSession()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	if err := sess.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}
