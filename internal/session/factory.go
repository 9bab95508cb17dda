package session

import (
	"strings"

	"github.com/echolab/stt-gateway/internal/audio"
	"github.com/echolab/stt-gateway/internal/config"
	"github.com/echolab/stt-gateway/internal/stt"
)

// FromConfig assembles a real session: a subprocess-backed audio capture
// wired to a websocket transcription link.
func FromConfig(cfg *config.Config) *Session {
	var args []string
	if strings.TrimSpace(cfg.CaptureArgs) != "" {
		args = strings.Fields(cfg.CaptureArgs)
	}
	device := audio.NewCommandDevice(cfg.CaptureCommand, args...)
	capture := audio.NewCapture(device)

	link := stt.NewClient(stt.SessionConfig{
		APIKey:        cfg.SonioxAPIKey,
		URL:           cfg.SonioxURL,
		AudioFormat:   cfg.AudioFormat,
		SampleRate:    cfg.SampleRate,
		NumChannels:   cfg.Channels,
		Model:         cfg.SonioxModel,
		LanguageHints: cfg.LanguageHints,
	}, stt.WithSendQueueSize(cfg.SendQueueSize))

	audioCfg := audio.Config{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		BlockDurationMS: cfg.BlockDurationMS,
		QueueSize:       cfg.CaptureQueueSize,
	}

	return New(capture, link, audioCfg)
}
