package speech

// StreamConfig describes one audio stream fed to the speech engine.
type StreamConfig struct {
	SampleRate int
	Format     string
	Language   string

	// HybridMode asks the engine to classify transcripts as commands
	// versus free text.
	HybridMode bool
}

// Callbacks is the full event surface of the speech engine. The engine
// itself stays a black box behind these four functions.
type Callbacks struct {
	OnTranscript    func(text string, isFinal bool)
	OnCommand       func(command, rawText string)
	OnAudioResponse func(audio []byte)
	OnError         func(err error)
}

// Adapter is a live per-connection session with the speech engine. Audio
// must be fed in arrival order; Close is safe to call more than once.
type Adapter interface {
	SendAudio(pcm []byte) error
	SendCommand(command, context string) error
	SetHybridMode(enabled bool)
	Close() error
}

// Factory constructs an adapter for one stream. The transport server owns
// the returned adapter for the lifetime of the stream.
type Factory func(cfg StreamConfig, cb Callbacks) (Adapter, error)
