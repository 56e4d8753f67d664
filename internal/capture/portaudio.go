package capture

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource reads from the default input device. The echo-cancellation,
// noise-suppression and auto-gain flags are accepted but depend on host API
// support; PortAudio itself does not process the signal.
type PortAudioSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []float32
	opened bool
}

func NewPortAudioSource() *PortAudioSource {
	return &PortAudioSource{}
}

func (s *PortAudioSource) Open(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}

	s.buffer = make([]float32, cfg.FramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, s.buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return classifyOpenError(err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return classifyOpenError(err)
	}

	s.stream = stream
	s.opened = true
	return nil
}

func (s *PortAudioSource) Read() ([]float32, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil, ErrNotInitialized
	}

	if err := stream.Read(); err != nil {
		return nil, err
	}

	out := make([]float32, len(s.buffer))
	copy(out, s.buffer)
	return out, nil
}

func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	s.opened = false

	var err error
	if s.stream != nil {
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.stream = nil
	}
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "unavailable") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	var paErr portaudio.Error
	if errors.As(err, &paErr) && paErr == portaudio.DeviceUnavailable {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
