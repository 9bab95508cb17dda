package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/echolab/stt-gateway/internal/observability"
)

// Capture bridges a callback-driven audio device into a pull-based sequence
// of fixed-size chunks. The device delivers on its own goroutine; chunks
// cross into the caller's domain through a bounded channel so the driver
// callback never blocks.
type Capture struct {
	device Device
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	chunks  chan []byte
	done    chan struct{}
	dropped atomic.Int64
}

// NewCapture creates a capture around the given device
func NewCapture(device Device) *Capture {
	return &Capture{
		device: device,
		logger: observability.GetLogger().With().Str("component", "audio_capture").Logger(),
	}
}

// Start opens the device with the configured format and begins buffering
// chunks. Returns ErrAlreadyStarted if the capture is already running and
// wraps ErrDevice if the device cannot be opened.
func (c *Capture) Start(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	chunks := make(chan []byte, queueSize)
	done := make(chan struct{})
	c.dropped.Store(0)

	if err := c.device.Open(cfg, func(chunk []byte) {
		select {
		case <-done:
			return
		default:
		}
		select {
		case chunks <- chunk:
		default:
			// Queue full: drop the newest chunk rather than block the
			// device callback.
			n := c.dropped.Add(1)
			observability.RecordDroppedChunk("capture")
			c.logger.Warn().Int64("dropped_total", n).Msg("Capture queue full, dropping chunk")
		}
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}

	c.chunks = chunks
	c.done = done
	c.started = true

	c.logger.Info().
		Int("sample_rate", cfg.SampleRate).
		Int("channels", cfg.Channels).
		Int("block_bytes", cfg.BlockBytes()).
		Msg("Audio capture started")
	return nil
}

// ReadChunk blocks until the next whole chunk is available, in strict
// capture order. Returns ErrStopped once the capture is stopped and the
// context error if ctx is cancelled first.
func (c *Capture) ReadChunk(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	started := c.started
	chunks := c.chunks
	done := c.done
	c.mu.Unlock()

	if !started {
		return nil, ErrStopped
	}

	// A stop that raced with this read wins over buffered data.
	select {
	case <-done:
		return nil, ErrStopped
	default:
	}

	select {
	case chunk := <-chunks:
		return chunk, nil
	case <-done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the device and unblocks any pending ReadChunk. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	done := c.done
	c.mu.Unlock()

	close(done)

	if err := c.device.Close(); err != nil {
		return fmt.Errorf("close device: %w", err)
	}

	c.logger.Info().Msg("Audio capture stopped")
	return nil
}

// Dropped returns the number of chunks dropped on queue overflow since the
// last Start
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}
