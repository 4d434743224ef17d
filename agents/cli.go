package agents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	pkg "github.com/bt-bridge/realtime-relay"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type CLIState struct {
	utterances int
	userText   string
	botText    string
	reply      []byte
}

func NewCLIState() *CLIState {
	return &CLIState{}
}

// CLIAgent is a relay client for the terminal: it streams prerecorded PCM16
// utterances to a relay and prints what comes back.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	conn    *websocket.Conn
	state   *CLIState
	turns   chan *pkg.AudioEndMessage

	mu        sync.Mutex
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	relayUrl string,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if relayUrl == "" {
		return nil, errors.New("no relay url provided")
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.state = NewCLIState()
	a.turns = make(chan *pkg.AudioEndMessage, 8)
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent", zap.String("relay", relayUrl))
	if err := a.printer.Writeln("🤖 Connecting to relay...", 0); err != nil {
		a.logger.Error("printing connecting message", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayUrl, nil)
	if err != nil {
		a.logger.Error("dialing relay", err)
		if err := a.printer.Writeln("❌ Unable to reach the relay.\n", 0); err != nil {
			a.logger.Error("printing dial failure message", err)
		}
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	a.conn = conn
	if err := a.printer.Writeln("✅ Connected.\n", 0); err != nil {
		a.logger.Error("printing connected message", err)
	}

	go a.readLoop()
	return a.done, nil
}

// SendUtterance streams pcm as binary frames of the given duration and then
// marks the end of the utterance. With pace set, frames go out in real time.
func (a *CLIAgent) SendUtterance(ctx context.Context, pcm []byte, frame time.Duration, sampleRate int, pace bool) error {
	if a.conn == nil {
		return errors.New("agent is not spawned")
	}
	frameBytes := tools.FrameSamples(frame, sampleRate, 1) * 2
	if frameBytes <= 0 {
		return fmt.Errorf("invalid frame size for %s at %d Hz", frame, sampleRate)
	}
	var ticker *time.Ticker
	if pace {
		ticker = time.NewTicker(frame)
		defer ticker.Stop()
	}
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := a.write(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("sending audio frame: %w", err)
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			case <-a.done:
				return shared.ErrSessionClosed
			}
		}
	}
	if err := a.write(websocket.TextMessage, []byte(pkg.EndOfAudio)); err != nil {
		return fmt.Errorf("sending end of audio: %w", err)
	}
	a.mu.Lock()
	a.state.utterances++
	a.mu.Unlock()
	if err := a.printer.Writeln("🎤 Utterance sent, waiting for the reply...", 0); err != nil {
		a.logger.Error("printing utterance sent message", err)
	}
	return nil
}

// WaitTurn blocks until the relay reports the end of a reply.
func (a *CLIAgent) WaitTurn(ctx context.Context) (*pkg.AudioEndMessage, error) {
	select {
	case end := <-a.turns:
		return end, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, shared.ErrSessionClosed
	}
}

// Reply returns the bot audio received since the last call and resets it.
func (a *CLIAgent) Reply() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.state.reply
	a.state.reply = nil
	return out
}

func (a *CLIAgent) Transcripts() (user, bot string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.userText, a.state.botText
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	if a.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = a.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return a.conn.Close()
}

func (a *CLIAgent) write(messageType int, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(messageType, data)
}

func (a *CLIAgent) readLoop() {
	defer a.closeOnce.Do(func() { close(a.done) })
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.logger.Warn("relay connection closed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			a.logger.Warn("received non-text message from relay")
			continue
		}
		msg, err := pkg.DecodeClientMessage(data)
		if err != nil {
			a.logger.Error("can not decode relay message", err, zap.ByteString("data", data))
			continue
		}
		a.handle(msg)
	}
}

func (a *CLIAgent) handle(msg pkg.ClientMessage) {
	switch m := msg.(type) {
	case *pkg.AudioDeltaMessage:
		pcm, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			a.logger.Error("decoding audio delta", err)
			return
		}
		a.mu.Lock()
		a.state.reply = append(a.state.reply, pcm...)
		a.mu.Unlock()
	case *pkg.TranscriptMessage:
		a.mu.Lock()
		speaker := "🧑 You"
		if m.Type == pkg.ClientMessageTypeBotTranscript {
			speaker = "🤖 AI"
			a.state.botText = m.Transcript
		} else {
			a.state.userText = m.Transcript
		}
		a.mu.Unlock()
		if err := a.printer.Writeln(speaker+": "+m.Transcript, 1); err != nil {
			a.logger.Error("printing transcript", err)
		}
	case *pkg.AudioEndMessage:
		select {
		case a.turns <- m:
		default:
			a.logger.Warn("dropping turn end, nobody is waiting")
		}
	}
}
