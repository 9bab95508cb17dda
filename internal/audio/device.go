package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CommandDevice captures raw PCM by running a recorder subprocess (arecord
// by default) and reading fixed-size blocks from its stdout. The reader
// goroutine plays the role of the driver thread: it owns the pipe and
// invokes the deliver callback once per whole block.
type CommandDevice struct {
	command string
	args    []string

	mu     sync.Mutex
	cancel context.CancelFunc
	waited chan struct{}
}

// NewCommandDevice creates a device that records via the given command.
// Extra args are appended after the generated format arguments.
func NewCommandDevice(command string, args ...string) *CommandDevice {
	if strings.TrimSpace(command) == "" {
		command = "arecord"
	}
	return &CommandDevice{command: command, args: args}
}

// Open starts the recorder subprocess and begins delivering blocks
func (d *CommandDevice) Open(cfg Config, deliver func(chunk []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("device already open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.command, d.buildArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	waited := make(chan struct{})
	go func() {
		defer close(waited)
		d.readBlocks(stdout, cfg.BlockBytes(), deliver)
		_ = cmd.Wait()
	}()

	d.cancel = cancel
	d.waited = waited
	return nil
}

// Close terminates the recorder and waits for the reader goroutine to stop
func (d *CommandDevice) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	waited := d.waited
	d.cancel = nil
	d.waited = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-waited
	return nil
}

// buildArgs assembles the recorder invocation. Explicit args are used
// verbatim; without them an arecord-style raw-PCM invocation is generated
// from the configured format.
func (d *CommandDevice) buildArgs(cfg Config) []string {
	if len(d.args) > 0 {
		return d.args
	}
	return []string{
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
	}
}

// readBlocks reads whole blocks from the pipe and hands each to deliver.
// Short reads at EOF are discarded; a partial block is never delivered.
func (d *CommandDevice) readBlocks(r io.Reader, blockBytes int, deliver func(chunk []byte)) {
	reader := bufio.NewReaderSize(r, blockBytes*4)
	for {
		block := make([]byte, blockBytes)
		if _, err := io.ReadFull(reader, block); err != nil {
			return
		}
		deliver(block)
	}
}
