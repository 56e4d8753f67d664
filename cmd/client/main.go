package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/voicelink/internal/capture"
	"github.com/eleven-am/voicelink/internal/client"
	"github.com/eleven-am/voicelink/internal/protocol"
	"github.com/joho/godotenv"
)

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	_ = godotenv.Load()

	var (
		serverURL  = flag.String("server", envOr("SERVER_URL", "ws://localhost:8080/voice/stream"), "voice server websocket URL")
		token      = flag.String("token", os.Getenv("AUTH_TOKEN"), "bearer token")
		sampleRate = flag.Int("rate", 16000, "capture sample rate")
		language   = flag.String("language", "", "recognition language hint")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var c *client.Client
	recorder := capture.NewRecorder(capture.NewPortAudioSource(), capture.Config{
		SampleRate: *sampleRate,
	}, capture.Callbacks{
		OnChunk: func(chunk capture.Chunk) {
			if err := c.SendAudioChunk(chunk.Samples); err != nil {
				logger.Error("failed to send audio chunk", "sequence", chunk.Sequence, "error", err)
			}
		},
		OnError: func(err error) {
			logger.Error("capture error", "error", err)
		},
	}, logger)

	authenticated := make(chan struct{})

	c = client.NewClient(client.Config{
		URL:   *serverURL,
		Token: *token,
	}, client.Callbacks{
		OnStateChange: func(s client.State) {
			logger.Info("connection state changed", "state", s)
			if s == client.StateAuthenticated {
				select {
				case authenticated <- struct{}{}:
				default:
				}
			}
		},
		OnTranscript: func(text string, isFinal bool) {
			marker := " "
			if isFinal {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, text)
		},
		OnCommand: func(command, context string) {
			fmt.Printf("command: %s %s\n", command, context)
		},
		OnAudioResponse: func(audio []byte, format string) {
			logger.Info("received audio response", "bytes", len(audio), "format", format)
		},
		OnError: func(err error) {
			logger.Error("client error", "error", err)
		},
	}, logger)

	if err := recorder.Initialize(); err != nil {
		logger.Error("failed to initialize audio capture", "error", err)
		os.Exit(1)
	}
	defer recorder.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := c.Connect(ctx); err != nil {
		cancel()
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	cancel()

	select {
	case <-authenticated:
	case <-time.After(15 * time.Second):
		logger.Error("authentication timed out")
		c.Disconnect()
		os.Exit(1)
	}

	if err := c.StartAudioStream(protocol.StreamConfig{
		SampleRate: *sampleRate,
		Format:     "pcm16",
		Language:   *language,
	}); err != nil {
		logger.Error("failed to start audio stream", "error", err)
		c.Disconnect()
		os.Exit(1)
	}
	recordingStarted := time.Now()

	if err := recorder.Start(); err != nil {
		logger.Error("failed to start recording", "error", err)
		c.Disconnect()
		os.Exit(1)
	}

	logger.Info("streaming microphone audio, press ctrl-c to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	recorder.Stop()
	if err := c.EndAudioStream(time.Since(recordingStarted).Seconds()); err != nil {
		logger.Error("failed to end audio stream", "error", err)
	}
	c.Disconnect()
}
