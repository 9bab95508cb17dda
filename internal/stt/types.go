package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Token is one unit of recognized text from the remote service. A token
// with IsFinal=false is volatile and supersedes any prior non-final token;
// IsFinal=true commits the text permanently.
type Token struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// State is the connection lifecycle of the transcription link. No
// transition skips a state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors for the transcription link
var (
	// ErrConnect indicates the transport could not be opened
	ErrConnect = errors.New("stt connect failed")

	// ErrAuth indicates the service rejected the session before producing
	// any recognition result
	ErrAuth = errors.New("stt authentication rejected")

	// ErrNotConnected indicates audio was offered while the link is not
	// in the connected state
	ErrNotConnected = errors.New("stt link not connected")

	// ErrProtocol indicates an inbound message could not be parsed.
	// Malformed messages terminate the session rather than being dropped;
	// a silent drop would corrupt transcript ordering.
	ErrProtocol = errors.New("stt protocol error")
)

// ServiceError is a terminal error framed by the remote service. It ends
// the session the same way a transport fault does.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("stt service error: %s", e.Message)
}

// SessionConfig is the immutable per-session configuration for the link
type SessionConfig struct {
	APIKey        string
	URL           string
	AudioFormat   string
	SampleRate    int
	NumChannels   int
	Model         string
	LanguageHints []string
}

// handshakeMessage is the one configuration object sent immediately after
// the transport opens, before any audio.
type handshakeMessage struct {
	APIKey        string   `json:"api_key"`
	AudioFormat   string   `json:"audio_format"`
	SampleRate    int      `json:"sample_rate"`
	NumChannels   int      `json:"num_channels"`
	Model         string   `json:"model"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

// wireMessage is one inbound message: either a terminal error frame or a
// batch of token descriptors.
type wireMessage struct {
	ErrorMessage string      `json:"error_message,omitempty"`
	Tokens       []wireToken `json:"tokens,omitempty"`
}

// wireToken carries text as either a string or a list of strings to be
// concatenated; is_final defaults to false when absent.
type wireToken struct {
	Text    json.RawMessage `json:"text"`
	IsFinal bool            `json:"is_final"`
}

// text decodes the string-or-list text field
func (t wireToken) text() (string, error) {
	if len(t.Text) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(t.Text, &s); err == nil {
		return s, nil
	}

	var list []string
	if err := json.Unmarshal(t.Text, &list); err == nil {
		return strings.Join(list, ""), nil
	}

	return "", fmt.Errorf("token text is neither string nor list: %s", string(t.Text))
}
