package relay

import (
	"encoding/json"
	"fmt"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types. Beta and GA names of the same event decode to the same
// param type.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemCreated                          ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemAdded                            ServerEventType = "conversation.item.added"
	ServerEventTypeConversationItemDone                             ServerEventType = "conversation.item.done"
	ServerEventTypeConversationItemTruncated                        ServerEventType = "conversation.item.truncated"
	ServerEventTypeConversationItemDeleted                          ServerEventType = "conversation.item.deleted"
	ServerEventTypeConversationItemTranscriptionCompleted           ServerEventType = "conversation.item.transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta     ServerEventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeInputAudioBufferCommitted                        ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseEnd                                      ServerEventType = "response.end"
	ServerEventTypeResponseOutputItemAdded                          ServerEventType = "response.output_item.added"
	ServerEventTypeResponseOutputItemDone                           ServerEventType = "response.output_item.done"
	ServerEventTypeResponseTextDelta                                ServerEventType = "response.text.delta"
	ServerEventTypeResponseOutputTextDelta                          ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseAudioDelta                               ServerEventType = "response.audio.delta"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseAudioTranscriptDelta                     ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone                      ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta               ServerEventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

// DecodeUpstream parses one upstream frame. Unrecognized types decode to
// ServerEventParamUnknown; only invalid JSON or a missing type fail.
func DecodeUpstream(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, shared.ErrMissingEventType
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrMalformedUpstreamEvent, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", shared.ErrMalformedUpstreamEvent)
	}
	if v, ok := raw["type"].(string); ok && v != "" {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return fmt.Errorf("%w: %w", shared.ErrMalformedUpstreamEvent, shared.ErrMissingEventType)
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	e.Param = newServerEventParam(e.Type)
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("%w: %s: %w", shared.ErrMalformedUpstreamEvent, e.Type, err)
	}
	return nil
}

func newServerEventParam(t ServerEventType) EventParam {
	switch t {
	case ServerEventTypeError:
		return new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		return new(ServerEventParamSession)
	case ServerEventTypeConversationItemCreated, ServerEventTypeConversationItemAdded:
		return new(ServerEventParamConversationItemCreated)
	case ServerEventTypeConversationItemDone:
		return new(ServerEventParamConversationItemDone)
	case ServerEventTypeConversationItemTruncated:
		return new(ServerEventParamConversationItemTruncated)
	case ServerEventTypeConversationItemDeleted:
		return new(ServerEventParamConversationItemDeleted)
	case ServerEventTypeConversationItemTranscriptionCompleted,
		ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		return new(ServerEventParamInputAudioTranscriptionCompleted)
	case ServerEventTypeConversationItemInputAudioTranscriptionDelta:
		return new(ServerEventParamInputAudioTranscriptionDelta)
	case ServerEventTypeInputAudioBufferCommitted:
		return new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeResponseCreated:
		return new(ServerEventParamResponseCreated)
	case ServerEventTypeResponseDone, ServerEventTypeResponseEnd:
		return new(ServerEventParamResponseDone)
	case ServerEventTypeResponseOutputItemAdded:
		return new(ServerEventParamResponseOutputItemAdded)
	case ServerEventTypeResponseOutputItemDone:
		return new(ServerEventParamResponseOutputItemDone)
	case ServerEventTypeResponseTextDelta, ServerEventTypeResponseOutputTextDelta:
		return new(ServerEventParamResponseTextDelta)
	case ServerEventTypeResponseAudioDelta, ServerEventTypeResponseOutputAudioDelta:
		return new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioTranscriptDelta, ServerEventTypeResponseOutputAudioTranscriptDelta:
		return new(ServerEventParamResponseAudioTranscriptDelta)
	case ServerEventTypeResponseAudioTranscriptDone, ServerEventTypeResponseOutputAudioTranscriptDone:
		return new(ServerEventParamResponseAudioTranscriptDone)
	case ServerEventTypeResponseFunctionCallArgumentsDelta:
		return new(ServerEventParamResponseFunctionCallArgumentsDelta)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		return new(ServerEventParamResponseFunctionCallArgumentsDone)
	default:
		return new(ServerEventParamUnknown)
	}
}

// EventParam is the payload of a ServerEvent. New fills the param from the
// event's remaining fields; missing fields are left zero.
type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func itemFromMap(m map[string]any) Item {
	it := Item{
		Id:        asString(m, "id"),
		Type:      ItemType(asString(m, "type")),
		Role:      ItemRole(asString(m, "role")),
		Status:    ItemStatus(asString(m, "status")),
		Name:      asString(m, "name"),
		CallId:    asString(m, "call_id"),
		Arguments: asString(m, "arguments"),
		Output:    asString(m, "output"),
	}
	parts, _ := m["content"].([]any)
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		it.Content = append(it.Content, ContentPart{
			Type:       asString(part, "type"),
			Text:       asString(part, "text"),
			Audio:      asString(part, "audio"),
			Transcript: asString(part, "transcript"),
		})
	}
	return it
}

func itemToMap(it Item) map[string]any {
	m := map[string]any{
		"id":   it.Id,
		"type": string(it.Type),
	}
	if it.Role != "" {
		m["role"] = string(it.Role)
	}
	if it.Status != "" {
		m["status"] = string(it.Status)
	}
	if it.Name != "" {
		m["name"] = it.Name
	}
	if it.CallId != "" {
		m["call_id"] = it.CallId
	}
	if it.Arguments != "" {
		m["arguments"] = it.Arguments
	}
	if it.Output != "" {
		m["output"] = it.Output
	}
	if len(it.Content) > 0 {
		parts := make([]any, 0, len(it.Content))
		for _, c := range it.Content {
			part := map[string]any{"type": c.Type}
			if c.Text != "" {
				part["text"] = c.Text
			}
			if c.Audio != "" {
				part["audio"] = c.Audio
			}
			if c.Transcript != "" {
				part["transcript"] = c.Transcript
			}
			parts = append(parts, part)
		}
		m["content"] = parts
	}
	return m
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   any
	EventId string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		// flattened shape
		errObj = m
	}
	p.Type = asString(errObj, "type")
	p.Code = asString(errObj, "code")
	p.Message = asString(errObj, "message")
	p.EventId = asString(errObj, "event_id")
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

// session.created, session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	p.Session, _ = m["session"].(map[string]any)
	return nil
}

func (p *ServerEventParamSession) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.created, conversation.item.added
type ServerEventParamConversationItemCreated struct {
	PreviousItemId string
	Item           Item
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	p.PreviousItemId = asString(m, "previous_item_id")
	item, _ := m["item"].(map[string]any)
	p.Item = itemFromMap(item)
	return nil
}

func (p *ServerEventParamConversationItemCreated) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             itemToMap(p.Item),
	}
}

// conversation.item.done
type ServerEventParamConversationItemDone struct {
	PreviousItemId string
	Item           Item
}

func (p *ServerEventParamConversationItemDone) New(m map[string]any) error {
	p.PreviousItemId = asString(m, "previous_item_id")
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = itemFromMap(item)
	}
	return nil
}

func (p *ServerEventParamConversationItemDone) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             itemToMap(p.Item),
	}
}

// conversation.item.truncated
type ServerEventParamConversationItemTruncated struct {
	ItemId       string
	ContentIndex int
	AudioEndMs   int
}

func (p *ServerEventParamConversationItemTruncated) New(m map[string]any) error {
	p.ItemId = asString(m, "item_id")
	p.ContentIndex, _ = asInt(m["content_index"])
	p.AudioEndMs, _ = asInt(m["audio_end_ms"])
	return nil
}

func (p *ServerEventParamConversationItemTruncated) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"audio_end_ms":  p.AudioEndMs,
	}
}

// conversation.item.deleted
type ServerEventParamConversationItemDeleted struct {
	ItemId string
}

func (p *ServerEventParamConversationItemDeleted) New(m map[string]any) error {
	p.ItemId = asString(m, "item_id")
	return nil
}

func (p *ServerEventParamConversationItemDeleted) Json() map[string]any {
	return map[string]any{
		"item_id": p.ItemId,
	}
}

// conversation.item.transcription.completed,
// conversation.item.input_audio_transcription.completed
type ServerEventParamInputAudioTranscriptionCompleted struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) New(m map[string]any) error {
	p.ItemId = asString(m, "item_id")
	p.ContentIndex, _ = asInt(m["content_index"])
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		p.Transcript = asString(m, "transcription")
	}
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// conversation.item.input_audio_transcription.delta
type ServerEventParamInputAudioTranscriptionDelta struct {
	ItemId       string
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamInputAudioTranscriptionDelta) New(m map[string]any) error {
	p.ItemId = asString(m, "item_id")
	p.ContentIndex, _ = asInt(m["content_index"])
	p.Delta = asString(m, "delta")
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionDelta) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	PreviousItemId string
	ItemId         string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	p.PreviousItemId = asString(m, "previous_item_id")
	p.ItemId = asString(m, "item_id")
	return nil
}

func (p *ServerEventParamInputAudioBufferCommitted) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item_id":          p.ItemId,
	}
}

// response.created
type ServerEventParamResponseCreated struct {
	ResponseId string
	Status     string
}

func (p *ServerEventParamResponseCreated) New(m map[string]any) error {
	resp, _ := m["response"].(map[string]any)
	p.ResponseId = asString(resp, "id")
	p.Status = asString(resp, "status")
	return nil
}

func (p *ServerEventParamResponseCreated) Json() map[string]any {
	return map[string]any{
		"response": map[string]any{
			"id":     p.ResponseId,
			"status": p.Status,
		},
	}
}

// response.done, response.end
type ServerEventParamResponseDone struct {
	ResponseId string
	Status     string
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	resp, _ := m["response"].(map[string]any)
	p.ResponseId = asString(resp, "id")
	p.Status = asString(resp, "status")
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{
		"response": map[string]any{
			"id":     p.ResponseId,
			"status": p.Status,
		},
	}
}

// response.output_item.added
type ServerEventParamResponseOutputItemAdded struct {
	ResponseId  string
	OutputIndex int
	Item        Item
}

func (p *ServerEventParamResponseOutputItemAdded) New(m map[string]any) error {
	p.ResponseId = asString(m, "response_id")
	p.OutputIndex, _ = asInt(m["output_index"])
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = itemFromMap(item)
	}
	return nil
}

func (p *ServerEventParamResponseOutputItemAdded) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"output_index": p.OutputIndex,
		"item":         itemToMap(p.Item),
	}
}

// response.output_item.done
type ServerEventParamResponseOutputItemDone struct {
	ResponseId  string
	OutputIndex int
	Item        Item
}

func (p *ServerEventParamResponseOutputItemDone) New(m map[string]any) error {
	p.ResponseId = asString(m, "response_id")
	p.OutputIndex, _ = asInt(m["output_index"])
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = itemFromMap(item)
	}
	return nil
}

func (p *ServerEventParamResponseOutputItemDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"output_index": p.OutputIndex,
		"item":         itemToMap(p.Item),
	}
}

// contentRef locates a content part of a response output item.
type contentRef struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
}

func (r *contentRef) read(m map[string]any) {
	r.ResponseId = asString(m, "response_id")
	r.ItemId = asString(m, "item_id")
	r.OutputIndex, _ = asInt(m["output_index"])
	r.ContentIndex, _ = asInt(m["content_index"])
}

func (r *contentRef) json() map[string]any {
	return map[string]any{
		"response_id":   r.ResponseId,
		"item_id":       r.ItemId,
		"output_index":  r.OutputIndex,
		"content_index": r.ContentIndex,
	}
}

// response.text.delta, response.output_text.delta
type ServerEventParamResponseTextDelta struct {
	contentRef
	Delta string
}

func (p *ServerEventParamResponseTextDelta) New(m map[string]any) error {
	p.read(m)
	p.Delta = asString(m, "delta")
	return nil
}

func (p *ServerEventParamResponseTextDelta) Json() map[string]any {
	out := p.json()
	out["delta"] = p.Delta
	return out
}

// response.audio.delta, response.output_audio.delta
type ServerEventParamResponseAudioDelta struct {
	contentRef
	// Delta is base64 PCM16 as upstream sent it.
	Delta string
}

func (p *ServerEventParamResponseAudioDelta) New(m map[string]any) error {
	p.read(m)
	p.Delta = asString(m, "delta")
	return nil
}

func (p *ServerEventParamResponseAudioDelta) Json() map[string]any {
	out := p.json()
	out["delta"] = p.Delta
	return out
}

// response.audio_transcript.delta, response.output_audio_transcript.delta
type ServerEventParamResponseAudioTranscriptDelta struct {
	contentRef
	Delta string
}

func (p *ServerEventParamResponseAudioTranscriptDelta) New(m map[string]any) error {
	p.read(m)
	p.Delta = asString(m, "delta")
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDelta) Json() map[string]any {
	out := p.json()
	out["delta"] = p.Delta
	return out
}

// response.audio_transcript.done, response.output_audio_transcript.done
type ServerEventParamResponseAudioTranscriptDone struct {
	contentRef
	Transcript string
}

func (p *ServerEventParamResponseAudioTranscriptDone) New(m map[string]any) error {
	p.read(m)
	p.Transcript = asString(m, "transcript")
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDone) Json() map[string]any {
	out := p.json()
	out["transcript"] = p.Transcript
	return out
}

// response.function_call_arguments.delta
type ServerEventParamResponseFunctionCallArgumentsDelta struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Delta       string
}

func (p *ServerEventParamResponseFunctionCallArgumentsDelta) New(m map[string]any) error {
	p.ResponseId = asString(m, "response_id")
	p.ItemId = asString(m, "item_id")
	p.OutputIndex, _ = asInt(m["output_index"])
	p.CallId = asString(m, "call_id")
	p.Delta = asString(m, "delta")
	return nil
}

func (p *ServerEventParamResponseFunctionCallArgumentsDelta) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"delta":        p.Delta,
	}
}

// response.function_call_arguments.done
type ServerEventParamResponseFunctionCallArgumentsDone struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Arguments   string
}

func (p *ServerEventParamResponseFunctionCallArgumentsDone) New(m map[string]any) error {
	p.ResponseId = asString(m, "response_id")
	p.ItemId = asString(m, "item_id")
	p.OutputIndex, _ = asInt(m["output_index"])
	p.CallId = asString(m, "call_id")
	p.Arguments = asString(m, "arguments")
	return nil
}

func (p *ServerEventParamResponseFunctionCallArgumentsDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"arguments":    p.Arguments,
	}
}

// ServerEventParamUnknown carries any event type this package does not model.
type ServerEventParamUnknown struct {
	Raw map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Raw = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	return p.Raw
}
