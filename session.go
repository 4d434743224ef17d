package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

type sessionEventKind int

const (
	sessionEventClientFrame sessionEventKind = iota
	sessionEventUpstreamFrame
	sessionEventTranscription
)

// sessionEvent is what the read loops and transcription workers hand to the
// session's single consumer.
type sessionEvent struct {
	kind        sessionEventKind
	messageType int
	data        []byte
	text        string
}

type SessionParams struct {
	Id       string
	Client   Conn
	Upstream Conn
	Config   *shared.Config
	// Transcriber is used only when the config selects the external source.
	Transcriber tools.Transcriber
	Printer     *shared.Printer
}

// Session pairs one client connection with one upstream connection. All
// conversation state is touched only by the goroutine running Run.
type Session struct {
	id     string
	logger shared.LoggerAdapter
	cfg    *shared.Config

	client      Conn
	upstream    Conn
	clientOut   *outbound
	upstreamOut *outbound

	conv        *Conversation
	capture     *tools.AudioBuffer
	transcriber tools.Transcriber
	printer     *shared.Printer

	inbox     chan sessionEvent
	snapshots chan chan []Item
	wg        sync.WaitGroup
	done      chan struct{}

	lastUserTranscript string
	lastBotTranscript  string
}

func NewSession(logger shared.LoggerAdapter, p SessionParams) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if p.Config == nil {
		return nil, shared.ErrNoConfig
	}
	if p.Client == nil || p.Upstream == nil {
		return nil, errors.New("both client and upstream connections are required")
	}
	if p.Config.Transcription.Source == shared.TranscriptionSourceExternal && p.Transcriber == nil {
		return nil, fmt.Errorf("%w: external transcription needs a transcriber", shared.ErrInvalidConfig)
	}
	if p.Id == "" {
		p.Id = newSessionId()
	}
	logger = logger.With(zap.String("session_id", p.Id))
	conv, err := NewConversation(logger, p.Config.Conversation)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	sc := p.Config.Session
	return &Session{
		id:          p.Id,
		logger:      logger,
		cfg:         p.Config,
		client:      p.Client,
		upstream:    p.Upstream,
		clientOut:   newOutbound(p.Client, sc.OutboundQueueSize, sc.WriteTimeout, sc.PingInterval),
		upstreamOut: newOutbound(p.Upstream, sc.OutboundQueueSize, sc.WriteTimeout, 0),
		conv:        conv,
		capture:     tools.NewAudioBuffer(tools.CaptureBytes(sc.MaxCaptureSeconds, sc.InputSampleRate)),
		transcriber: p.Transcriber,
		printer:     p.Printer,
		inbox:       make(chan sessionEvent, sc.OutboundQueueSize),
		snapshots:   make(chan chan []Item),
		done:        make(chan struct{}),
	}, nil
}

func (s *Session) Id() string {
	return s.id
}

// Done is closed once Run has released both connections.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run relays frames until either leg fails or ctx is canceled, then closes
// both legs. The returned error is the cause of the teardown.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(shared.ErrSessionClosed)
	s.logger.Info("session started")

	s.wg.Add(4)
	go s.writeLoop(ctx, cancel, s.clientOut, shared.ErrClientClosed)
	go s.writeLoop(ctx, cancel, s.upstreamOut, shared.ErrUpstreamClosed)
	go s.readLoop(ctx, cancel, s.client, sessionEventClientFrame, shared.ErrClientClosed)
	go s.readLoop(ctx, cancel, s.upstream, sessionEventUpstreamFrame, shared.ErrUpstreamClosed)

	if err := s.open(); err != nil {
		cancel(err)
	}
	s.consume(ctx, cancel)

	cause := context.Cause(ctx)
	s.teardown(cause)
	s.wg.Wait()
	close(s.done)
	if errors.Is(cause, shared.ErrClientClosed) || errors.Is(cause, context.Canceled) {
		s.logger.Info("session ended", zap.NamedError("cause", cause))
	} else {
		s.logger.Error("session ended", cause)
	}
	return cause
}

// Snapshot returns a copy of the conversation items as seen by the session.
func (s *Session) Snapshot(ctx context.Context) ([]Item, error) {
	reply := make(chan []Item, 1)
	select {
	case s.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, shared.ErrSessionClosed
	}
	select {
	case items := <-reply:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// open sends the optional session.update and greeting.
func (s *Session) open() error {
	uc := s.cfg.Upstream
	if uc.SessionUpdate {
		payload, err := EncodeUpstreamSessionUpdate(sessionConfig(uc))
		if err != nil {
			return fmt.Errorf("encoding session update: %w", err)
		}
		if err := s.upstreamOut.Enqueue(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	if uc.Greeting != "" {
		payload, err := EncodeUpstreamResponseCreate(uc.Greeting, uc.Modalities)
		if err != nil {
			return fmt.Errorf("encoding greeting: %w", err)
		}
		if err := s.upstreamOut.Enqueue(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func sessionConfig(uc shared.UpstreamConfig) *realtime.RealtimeSessionCreateRequestParam {
	cfg := &realtime.RealtimeSessionCreateRequestParam{
		Model: realtime.RealtimeSessionCreateRequestModel(uc.Model),
	}
	if uc.Instructions != "" {
		cfg.Instructions = param.NewOpt(uc.Instructions)
	}
	if uc.Voice != "" {
		cfg.Audio = realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(uc.Voice),
			},
		}
	}
	return cfg
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelCauseFunc, conn Conn, kind sessionEventKind, closed error) {
	defer s.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			cancel(fmt.Errorf("%w: %w", closed, err))
			return
		}
		select {
		case s.inbox <- sessionEvent{kind: kind, messageType: mt, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, cancel context.CancelCauseFunc, out *outbound, closed error) {
	defer s.wg.Done()
	if err := out.Run(ctx); err != nil {
		cancel(fmt.Errorf("%w: writing: %w", closed, err))
	}
}

func (s *Session) consume(ctx context.Context, cancel context.CancelCauseFunc) {
	var silence <-chan time.Time
	window := s.cfg.Session.SilenceWindow
	var timer *time.Timer
	if window > 0 {
		timer = time.NewTimer(window)
		defer timer.Stop()
		silence = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-silence:
			s.logger.Debug("upstream silent", zap.Duration("window", window))
			timer.Reset(window)
		case reply := <-s.snapshots:
			reply <- s.conv.ListItems()
		case ev := <-s.inbox:
			var err error
			switch ev.kind {
			case sessionEventClientFrame:
				err = s.handleClientFrame(ctx, ev.messageType, ev.data)
			case sessionEventUpstreamFrame:
				if timer != nil {
					timer.Reset(window)
				}
				err = s.handleUpstreamFrame(ev.messageType, ev.data)
			case sessionEventTranscription:
				err = s.userTranscript(ev.text)
			}
			if err != nil {
				cancel(err)
				return
			}
		}
	}
}

func (s *Session) handleClientFrame(ctx context.Context, mt int, data []byte) error {
	in := DecodeClientInbound(mt, data)
	switch in.Kind {
	case ClientInboundAudio:
		if dropped := s.capture.Write(in.Audio); dropped > 0 {
			s.logger.Debug("capture buffer full, dropped oldest audio", zap.Int("bytes", dropped))
		}
		payload, err := EncodeUpstreamAppend(in.Audio)
		if err != nil {
			s.logger.Error("encoding audio append", err)
			return nil
		}
		return s.upstreamOut.Enqueue(websocket.TextMessage, payload)
	case ClientInboundEndOfAudio:
		return s.endOfAudio(ctx)
	default:
		s.logger.Warn("dropping client frame", zap.Int("message_type", mt), zap.Int("bytes", len(data)))
		return nil
	}
}

func (s *Session) endOfAudio(ctx context.Context) error {
	pcm := s.capture.Drain()
	if len(pcm) > 0 {
		s.conv.QueueInputAudio(tools.PCM16ToSamples(pcm))
	}
	if s.cfg.Transcription.Source != shared.TranscriptionSourceExternal {
		payload, err := EncodeUpstreamCommit()
		if err != nil {
			s.logger.Error("encoding audio commit", err)
			return nil
		}
		return s.upstreamOut.Enqueue(websocket.TextMessage, payload)
	}
	// The utterance reaches upstream as text, so its audio must not be
	// committed as a second user turn.
	payload, err := EncodeUpstreamClear()
	if err != nil {
		s.logger.Error("encoding audio clear", err)
		return nil
	}
	if err := s.upstreamOut.Enqueue(websocket.TextMessage, payload); err != nil {
		return err
	}
	if len(pcm) > 0 {
		s.transcribe(ctx, pcm)
	}
	return nil
}

func (s *Session) transcribe(ctx context.Context, pcm []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.transcriber.Transcribe(ctx, pcm, s.cfg.Session.InputSampleRate)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("transcribing utterance", fmt.Errorf("%w: %w", shared.ErrTranscriptionFailed, err))
			}
			return
		}
		if text == "" {
			s.logger.Debug("empty transcription")
			return
		}
		select {
		case s.inbox <- sessionEvent{kind: sessionEventTranscription, text: text}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleUpstreamFrame(mt int, data []byte) error {
	if mt != websocket.TextMessage {
		s.logger.Warn("dropping non-text upstream frame", zap.Int("bytes", len(data)))
		return nil
	}
	event, err := DecodeUpstream(data)
	if err != nil {
		s.logger.Warn("rejecting upstream event", zap.Error(err))
		return nil
	}
	item, delta, err := s.conv.Apply(event)
	if err != nil {
		s.logger.Warn(
			"store rejected upstream event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		// Audio and end of response need nothing from the store.
		switch event.Param.(type) {
		case *ServerEventParamResponseAudioDelta, *ServerEventParamResponseDone:
		default:
			return nil
		}
	}
	if item != nil {
		s.logger.Trace(
			"applied upstream event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.EventId),
			zap.String("item_id", item.Id),
			zap.Bool("delta", !delta.IsEmpty()),
		)
	}

	switch p := event.Param.(type) {
	case *ServerEventParamResponseAudioDelta:
		return s.sendClient(NewAudioDeltaMessage(p.Delta))
	case *ServerEventParamResponseAudioTranscriptDone:
		transcript := p.Transcript
		if transcript == "" && item != nil {
			transcript = item.Formatted.Transcript
		}
		s.lastBotTranscript = transcript
		s.printTranscript("AI", transcript)
		return s.sendClient(NewBotTranscriptMessage(transcript))
	case *ServerEventParamInputAudioTranscriptionCompleted:
		if s.cfg.Transcription.Source == shared.TranscriptionSourceExternal {
			s.logger.Debug("ignoring upstream transcription, external source is authoritative")
			return nil
		}
		return s.userTranscript(p.Transcript)
	case *ServerEventParamResponseDone:
		return s.sendClient(NewAudioEndMessage(s.lastUserTranscript, s.lastBotTranscript))
	case *ServerEventParamError:
		s.logger.Warn(
			"upstream reported an error",
			zap.String("error_type", p.Type),
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
	case *ServerEventParamUnknown:
		s.logger.Trace("ignoring upstream event", zap.String("event_type", string(event.Type)))
	}
	return nil
}

// userTranscript reports a finished user utterance to the client and echoes
// it upstream as a user message.
func (s *Session) userTranscript(text string) error {
	s.lastUserTranscript = text
	s.printTranscript("You", text)
	if err := s.sendClient(NewUserTranscriptMessage(text)); err != nil {
		return err
	}
	payload, itemId, err := EncodeUpstreamItemCreate(text)
	if err != nil {
		s.logger.Error("encoding item create", err)
		return nil
	}
	s.logger.Debug("echoing user transcript upstream", zap.String("item_id", itemId))
	return s.upstreamOut.Enqueue(websocket.TextMessage, payload)
}

func (s *Session) sendClient(msg ClientMessage) error {
	data, err := EncodeClientEnvelope(msg)
	if err != nil {
		s.logger.Error("encoding client message", err)
		return nil
	}
	if err := s.clientOut.Enqueue(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s to client: %w", msg.MessageType(), err)
	}
	return nil
}

func (s *Session) printTranscript(speaker, text string) {
	if err := s.printer.Transcript(s.id, speaker, text); err != nil {
		s.logger.Error("printing transcript", err)
	}
}

// teardown closes both legs. The leg that already failed gets no close frame.
func (s *Session) teardown(cause error) {
	if !errors.Is(cause, shared.ErrClientClosed) {
		code := websocket.CloseNormalClosure
		if errors.Is(cause, shared.ErrUpstreamClosed) || errors.Is(cause, shared.ErrOutboundQueueFull) {
			code = websocket.CloseInternalServerErr
		}
		s.clientOut.closeWith(code, "")
	}
	if !errors.Is(cause, shared.ErrUpstreamClosed) {
		s.upstreamOut.closeWith(websocket.CloseNormalClosure, "")
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("closing client connection", zap.Error(err))
	}
	if err := s.upstream.Close(); err != nil {
		s.logger.Debug("closing upstream connection", zap.Error(err))
	}
}
