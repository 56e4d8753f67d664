package speech

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voicelink/internal/shared"
	"github.com/gorilla/websocket"
)

const relayDialTimeout = 10 * time.Second

// RelayConfig points at the remote speech engine's websocket endpoint.
type RelayConfig struct {
	URL   string
	Token string
}

// NewRelayFactory returns a Factory that opens one websocket per stream
// against the remote engine.
func NewRelayFactory(cfg RelayConfig) Factory {
	return func(streamCfg StreamConfig, cb Callbacks) (Adapter, error) {
		return dialRelay(cfg, streamCfg, cb)
	}
}

type relayStart struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Format     string `json:"format"`
	Language   string `json:"language,omitempty"`
	HybridMode bool   `json:"hybridMode"`
}

type relayControl struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled,omitempty"`
	Command string `json:"command,omitempty"`
	Context string `json:"context,omitempty"`
}

type relayEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Command string `json:"command,omitempty"`
	RawText string `json:"rawText,omitempty"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type relayAdapter struct {
	conn *websocket.Conn
	cb   Callbacks

	audio chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	writeMu sync.Mutex

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func dialRelay(cfg RelayConfig, streamCfg StreamConfig, cb Callbacks) (*relayAdapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("speech engine URL is not configured")
	}

	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: relayDialTimeout}
	conn, _, err := dialer.Dial(cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial speech engine: %w", err)
	}

	a := &relayAdapter{
		conn:  conn,
		cb:    cb,
		audio: make(chan []byte, 32),
		done:  make(chan struct{}),
	}

	start := relayStart{
		Type:       "start",
		SampleRate: streamCfg.SampleRate,
		Format:     streamCfg.Format,
		Language:   streamCfg.Language,
		HybridMode: streamCfg.HybridMode,
	}
	if err := a.writeJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start speech stream: %w", err)
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.writeLoop()
	go func() {
		a.wg.Wait()
		close(a.done)
		_ = conn.Close()
	}()

	return a, nil
}

func (a *relayAdapter) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	// hold the lock across the send so closeSend cannot close the
	// channel between the flag check and the push
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.sendClosed {
		return fmt.Errorf("speech stream: %w", shared.ErrClosed)
	}

	copied := append([]byte(nil), pcm...)
	select {
	case a.audio <- copied:
		return nil
	case <-a.done:
		return errors.New("speech session ended")
	}
}

func (a *relayAdapter) SendCommand(command, context string) error {
	return a.writeJSON(relayControl{Type: "command", Command: command, Context: context})
}

func (a *relayAdapter) SetHybridMode(enabled bool) {
	_ = a.writeJSON(relayControl{Type: "hybrid_mode", Enabled: enabled})
}

func (a *relayAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeSend()
		_ = a.conn.Close()
	})
	<-a.done
	return nil
}

func (a *relayAdapter) closeSend() {
	a.closeSendOnce.Do(func() {
		a.sendMu.Lock()
		a.sendClosed = true
		close(a.audio)
		a.sendMu.Unlock()
	})
}

func (a *relayAdapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *relayAdapter) writeLoop() {
	defer a.wg.Done()

	for chunk := range a.audio {
		a.writeMu.Lock()
		err := a.conn.WriteMessage(websocket.BinaryMessage, chunk)
		a.writeMu.Unlock()
		if err != nil {
			a.emitError(fmt.Errorf("send audio to engine: %w", err))
			return
		}
	}

	a.writeMu.Lock()
	_ = a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	a.writeMu.Unlock()
}

func (a *relayAdapter) readLoop() {
	defer a.wg.Done()

	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				a.emitError(fmt.Errorf("read engine event: %w", err))
			}
			return
		}

		var evt relayEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "transcript":
			if a.cb.OnTranscript != nil {
				a.cb.OnTranscript(evt.Text, evt.IsFinal)
			}
		case "command":
			if a.cb.OnCommand != nil {
				a.cb.OnCommand(evt.Command, evt.RawText)
			}
		case "audio":
			if a.cb.OnAudioResponse == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(evt.Data)
			if err != nil {
				a.emitError(fmt.Errorf("decode engine audio: %w", err))
				continue
			}
			a.cb.OnAudioResponse(data)
		case "error":
			a.emitError(errors.New(evt.Message))
		}
	}
}

func (a *relayAdapter) emitError(err error) {
	if a.cb.OnError != nil {
		a.cb.OnError(err)
	}
}
