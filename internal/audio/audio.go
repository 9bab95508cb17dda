package audio

import "errors"

// Sentinel errors for the capture lifecycle
var (
	// ErrDevice indicates the input device could not be opened (busy,
	// not found, unsupported format).
	ErrDevice = errors.New("audio device error")

	// ErrAlreadyStarted indicates Start was called on a running capture
	ErrAlreadyStarted = errors.New("audio capture already started")

	// ErrStopped indicates the capture was stopped while a read was pending
	ErrStopped = errors.New("audio capture stopped")
)

// Config describes the raw PCM capture format. Samples are 16-bit signed
// little-endian; one chunk spans one block duration.
type Config struct {
	SampleRate      int // Hz
	Channels        int // 1 = mono
	BlockDurationMS int // Duration of one chunk

	// QueueSize bounds the handoff queue between the device goroutine
	// and ReadChunk. Zero means DefaultQueueSize. On overflow the newest
	// chunk is dropped so the device is never blocked.
	QueueSize int
}

// DefaultQueueSize is the chunk queue bound used when Config.QueueSize is zero
const DefaultQueueSize = 256

// BlockSize returns the number of samples in one chunk
func (c Config) BlockSize() int {
	return c.SampleRate * c.BlockDurationMS / 1000
}

// BlockBytes returns the number of bytes in one chunk (s16le)
func (c Config) BlockBytes() int {
	return c.BlockSize() * c.Channels * 2
}

// Device is a capture driver. Open starts delivering fixed-size blocks of
// raw PCM through deliver, which is invoked from the device's own goroutine
// and must not be blocked by the receiver. Close releases the driver and
// stops deliveries.
type Device interface {
	Open(cfg Config, deliver func(chunk []byte)) error
	Close() error
}
