package capture

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicelink/internal/audio"
)

var (
	ErrPermissionDenied    = errors.New("microphone access denied")
	ErrUnsupportedPlatform = errors.New("audio capture not supported on this platform")
	ErrNotInitialized      = errors.New("capture not initialized")
)

type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = 1024
	}
	return c
}

// Chunk is one captured buffer converted to 16-bit PCM. Sequence numbers
// start at 0 and reset on every Start; they are diagnostic, the transport
// preserves ordering on its own.
type Chunk struct {
	Samples   []int16
	Sequence  int64
	Timestamp time.Time
}

type Callbacks struct {
	OnChunk func(Chunk)
	OnError func(error)
}

// Source abstracts the audio input device. Read blocks until one buffer of
// FramesPerBuffer samples is available.
type Source interface {
	Open(cfg Config) error
	Read() ([]float32, error)
	Close() error
}

type Recorder struct {
	cfg    Config
	source Source
	cb     Callbacks
	log    *slog.Logger

	mu          sync.Mutex
	initialized bool
	running     bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

func NewRecorder(source Source, cfg Config, cb Callbacks, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		cfg:    cfg.withDefaults(),
		source: source,
		cb:     cb,
		log:    log.With("component", "capture"),
	}
}

func (r *Recorder) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if err := r.source.Open(r.cfg); err != nil {
		return err
	}
	r.initialized = true
	r.log.Info("capture initialized",
		"sample_rate", r.cfg.SampleRate,
		"channels", r.cfg.Channels,
		"frames_per_buffer", r.cfg.FramesPerBuffer)
	return nil
}

// Start begins emitting chunks. The sequence counter resets to 0 on every
// call.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	if r.running {
		return nil
	}

	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.readLoop(r.stop)
	return nil
}

// Stop halts emission without releasing the device.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
}

// Cleanup releases the device. Safe to call more than once.
func (r *Recorder) Cleanup() error {
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return r.source.Close()
}

func (r *Recorder) readLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	var seq int64
	for {
		select {
		case <-stop:
			return
		default:
		}

		buf, err := r.source.Read()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			r.log.Error("capture read failed", "error", err)
			if r.cb.OnError != nil {
				r.cb.OnError(err)
			}
			return
		}

		chunk := Chunk{
			Samples:   audio.Float32ToInt16(buf),
			Sequence:  seq,
			Timestamp: time.Now(),
		}
		seq++

		if r.cb.OnChunk != nil {
			r.cb.OnChunk(chunk)
		}
	}
}
