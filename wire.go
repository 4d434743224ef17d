package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go/v3/realtime"
)

// EndOfAudio is the text frame a client sends to close an utterance.
const EndOfAudio = "END_OF_AUDIO"

type ClientMessageType string

const (
	ClientMessageTypeAudioDelta     ClientMessageType = "audio_delta"
	ClientMessageTypeBotTranscript  ClientMessageType = "bot_transcript"
	ClientMessageTypeUserTranscript ClientMessageType = "user_transcript"
	ClientMessageTypeAudioEnd       ClientMessageType = "audio_end"
)

// ClientMessage is one of the envelopes sent to the client.
type ClientMessage interface {
	MessageType() ClientMessageType
}

type AudioDeltaMessage struct {
	Type ClientMessageType `json:"type"`
	Data string            `json:"data"`
}

func NewAudioDeltaMessage(data string) *AudioDeltaMessage {
	return &AudioDeltaMessage{Type: ClientMessageTypeAudioDelta, Data: data}
}

func (m *AudioDeltaMessage) MessageType() ClientMessageType { return ClientMessageTypeAudioDelta }

type TranscriptMessage struct {
	Type       ClientMessageType `json:"type"`
	Transcript string            `json:"transcript"`
}

func NewBotTranscriptMessage(transcript string) *TranscriptMessage {
	return &TranscriptMessage{Type: ClientMessageTypeBotTranscript, Transcript: transcript}
}

func NewUserTranscriptMessage(transcript string) *TranscriptMessage {
	return &TranscriptMessage{Type: ClientMessageTypeUserTranscript, Transcript: transcript}
}

func (m *TranscriptMessage) MessageType() ClientMessageType { return m.Type }

type AudioEndMessage struct {
	Type              ClientMessageType `json:"type"`
	UserTranscription string            `json:"userTranscription"`
	BotTranscription  string            `json:"botTranscription"`
}

func NewAudioEndMessage(user, bot string) *AudioEndMessage {
	return &AudioEndMessage{Type: ClientMessageTypeAudioEnd, UserTranscription: user, BotTranscription: bot}
}

func (m *AudioEndMessage) MessageType() ClientMessageType { return ClientMessageTypeAudioEnd }

func EncodeClientEnvelope(msg ClientMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encoding client envelope: nil message")
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msg.MessageType(), err)
	}
	return data, nil
}

// DecodeClientMessage parses an outbound envelope back into its concrete type.
// Client side tooling uses it; the relay itself only encodes.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var head struct {
		Type ClientMessageType `json:"type"`
	}
	if err := sonic.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding client envelope: %w", err)
	}
	var msg ClientMessage
	switch head.Type {
	case ClientMessageTypeAudioDelta:
		msg = new(AudioDeltaMessage)
	case ClientMessageTypeBotTranscript, ClientMessageTypeUserTranscript:
		msg = new(TranscriptMessage)
	case ClientMessageTypeAudioEnd:
		msg = new(AudioEndMessage)
	default:
		return nil, fmt.Errorf("unknown client envelope type: %q", head.Type)
	}
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s envelope: %w", head.Type, err)
	}
	return msg, nil
}

type ClientInboundKind int

const (
	ClientInboundAudio ClientInboundKind = iota
	ClientInboundEndOfAudio
	ClientInboundOther
)

func (k ClientInboundKind) String() string {
	switch k {
	case ClientInboundAudio:
		return "audio"
	case ClientInboundEndOfAudio:
		return "end_of_audio"
	default:
		return "other"
	}
}

type ClientInbound struct {
	Kind  ClientInboundKind
	Audio []byte
	Text  string
}

// DecodeClientInbound classifies a frame read from the client socket.
func DecodeClientInbound(messageType int, data []byte) ClientInbound {
	switch messageType {
	case websocket.BinaryMessage:
		return ClientInbound{Kind: ClientInboundAudio, Audio: data}
	case websocket.TextMessage:
		if string(bytes.TrimSpace(data)) == EndOfAudio {
			return ClientInbound{Kind: ClientInboundEndOfAudio}
		}
		return ClientInbound{Kind: ClientInboundOther, Text: string(data)}
	default:
		return ClientInbound{Kind: ClientInboundOther}
	}
}

// newId panics only when the system random source fails.
func newId(prefix string) string {
	id, err := nanoid.New()
	if err != nil {
		panic(err)
	}
	return prefix + id
}

func newEventId() string {
	return newId("event_")
}

func newItemId() string {
	return newId("item_")
}

type inputAudioBufferAppend struct {
	EventId string          `json:"event_id"`
	Type    ClientEventType `json:"type"`
	Audio   string          `json:"audio"`
}

type inputAudioBufferEvent struct {
	EventId string          `json:"event_id"`
	Type    ClientEventType `json:"type"`
}

type itemCreateContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type itemCreateItem struct {
	Id      string              `json:"id"`
	Type    ItemType            `json:"type"`
	Role    ItemRole            `json:"role"`
	Content []itemCreateContent `json:"content"`
}

type conversationItemCreate struct {
	EventId string          `json:"event_id"`
	Type    ClientEventType `json:"type"`
	Item    itemCreateItem  `json:"item"`
}

type responseCreateBody struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type responseCreate struct {
	EventId  string             `json:"event_id"`
	Type     ClientEventType    `json:"type"`
	Response responseCreateBody `json:"response"`
}

type sessionUpdate struct {
	EventId string          `json:"event_id"`
	Type    ClientEventType `json:"type"`
	Session json.RawMessage `json:"session"`
}

func EncodeUpstreamAppend(audio []byte) ([]byte, error) {
	return sonic.Marshal(&inputAudioBufferAppend{
		EventId: newEventId(),
		Type:    ClientEventTypeInputAudioBufferAppend,
		Audio:   base64.StdEncoding.EncodeToString(audio),
	})
}

func EncodeUpstreamCommit() ([]byte, error) {
	return sonic.Marshal(&inputAudioBufferEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeInputAudioBufferCommit,
	})
}

func EncodeUpstreamClear() ([]byte, error) {
	return sonic.Marshal(&inputAudioBufferEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeInputAudioBufferClear,
	})
}

// EncodeUpstreamItemCreate builds a user message carrying text under a freshly
// generated item id, which is returned alongside the payload.
func EncodeUpstreamItemCreate(text string) ([]byte, string, error) {
	id := newItemId()
	data, err := sonic.Marshal(&conversationItemCreate{
		EventId: newEventId(),
		Type:    ClientEventTypeConversationItemCreate,
		Item: itemCreateItem{
			Id:      id,
			Type:    ItemTypeMessage,
			Role:    ItemRoleUser,
			Content: []itemCreateContent{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return nil, "", err
	}
	return data, id, nil
}

func EncodeUpstreamResponseCreate(instructions string, modalities []string) ([]byte, error) {
	return sonic.Marshal(&responseCreate{
		EventId: newEventId(),
		Type:    ClientEventTypeResponseCreate,
		Response: responseCreateBody{
			Modalities:   modalities,
			Instructions: instructions,
		},
	})
}

func EncodeUpstreamSessionUpdate(cfg *realtime.RealtimeSessionCreateRequestParam) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("encoding session.update: nil session config")
	}
	session, err := cfg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	return sonic.Marshal(&sessionUpdate{
		EventId: newEventId(),
		Type:    ClientEventTypeSessionUpdate,
		Session: session,
	})
}
