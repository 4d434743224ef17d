package agents

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	pkg "github.com/bt-bridge/realtime-relay"
	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRelay answers every completed utterance with a canned turn and records
// how many audio bytes it received.
func fakeRelay(t *testing.T, received chan<- int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		total := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				total += len(data)
				continue
			}
			if string(data) != pkg.EndOfAudio {
				continue
			}
			received <- total
			total = 0
			for _, msg := range []pkg.ClientMessage{
				pkg.NewUserTranscriptMessage("hello"),
				pkg.NewAudioDeltaMessage(base64.StdEncoding.EncodeToString([]byte{1, 2})),
				pkg.NewAudioDeltaMessage(base64.StdEncoding.EncodeToString([]byte{3, 4})),
				pkg.NewBotTranscriptMessage("hi there"),
				pkg.NewAudioEndMessage("hello", "hi there"),
			} {
				out, err := pkg.EncodeClientEnvelope(msg)
				if err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPrinter(t *testing.T) (*shared.Printer, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	printer, err := shared.NewPrinter("  ", shared.NewWriteCloser(out))
	require.NoError(t, err)
	return printer, out
}

func TestCLIAgentSpawnValidation(t *testing.T) {
	printer, _ := newTestPrinter(t)
	ctx := context.Background()

	_, err := new(CLIAgent).Spawn(ctx, nil, "ws://localhost", printer)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = new(CLIAgent).Spawn(ctx, shared.NewNopLogger(), "", printer)
	assert.Error(t, err)

	_, err = new(CLIAgent).Spawn(ctx, shared.NewNopLogger(), "ws://localhost", nil)
	assert.Error(t, err)

	err = new(CLIAgent).SendUtterance(ctx, []byte{0, 0}, 20*time.Millisecond, 16000, false)
	assert.Error(t, err)
}

func TestCLIAgentSpawnUnreachable(t *testing.T) {
	printer, out := newTestPrinter(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := new(CLIAgent).Spawn(context.Background(), shared.NewNopLogger(), url, printer)

	assert.Error(t, err)
	assert.Contains(t, out.String(), "Unable to reach the relay")
}

func TestCLIAgentTurn(t *testing.T) {
	received := make(chan int, 1)
	srv := fakeRelay(t, received)
	printer, out := newTestPrinter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := new(CLIAgent)
	done, err := agent.Spawn(ctx, shared.NewNopLogger(), "ws"+strings.TrimPrefix(srv.URL, "http"), printer)
	require.NoError(t, err)

	// 100ms of 16kHz PCM16 in 20ms frames.
	pcm := make([]byte, 3200)
	require.NoError(t, agent.SendUtterance(ctx, pcm, 20*time.Millisecond, 16000, false))
	assert.Equal(t, len(pcm), <-received)

	end, err := agent.WaitTurn(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkg.NewAudioEndMessage("hello", "hi there"), end)

	assert.Equal(t, []byte{1, 2, 3, 4}, agent.Reply())
	assert.Empty(t, agent.Reply())
	user, bot := agent.Transcripts()
	assert.Equal(t, "hello", user)
	assert.Equal(t, "hi there", bot)
	assert.Contains(t, out.String(), "🧑 You: hello")
	assert.Contains(t, out.String(), "🤖 AI: hi there")

	require.NoError(t, agent.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "agent read loop did not stop")
	}

	_, err = agent.WaitTurn(ctx)
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
}
