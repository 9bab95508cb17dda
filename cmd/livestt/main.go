package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/echolab/stt-gateway/internal/config"
	"github.com/echolab/stt-gateway/internal/observability"
	"github.com/echolab/stt-gateway/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	sess := session.FromConfig(cfg)
	if err := sess.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start session")
	}

	fmt.Println("Start speaking! Type 'stop' and press Enter to end.")
	fmt.Println()

	// Blocking stdin reads run on their own goroutine so the repaint loop
	// is never held up.
	stopRequested := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.EqualFold(strings.TrimSpace(scanner.Text()), "stop") {
				close(stopRequested)
				return
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var finalText, partialText string

loop:
	for {
		select {
		case <-stopRequested:
			break loop
		case <-interrupt:
			break loop
		case <-ticker.C:
			for _, part := range sess.GetParts() {
				if part.IsFinal {
					finalText += part.Text
					partialText = ""
				} else {
					partialText = part.Text
				}
			}
			fmt.Printf("\r%s%s|", finalText, partialText)

			if sess.Failed() {
				fmt.Println()
				logger.Error().Err(sess.Err()).Msg("Session failed")
				break loop
			}
		}
	}

	if err := sess.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Session stop reported an error")
	}

	fmt.Println()
	fmt.Println("Final transcription:")
	fmt.Println(sess.GetTranscript())
}
