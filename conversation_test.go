package relay

import (
	"encoding/base64"
	"testing"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversation(t *testing.T) *Conversation {
	t.Helper()
	conv, err := NewConversation(shared.NewNopLogger(), shared.ConversationConfig{
		RetainAudio:      true,
		OutputSampleRate: 24000,
	})
	require.NoError(t, err)
	return conv
}

func apply(t *testing.T, conv *Conversation, typ ServerEventType, param EventParam) (*Item, Delta) {
	t.Helper()
	item, delta, err := conv.Apply(&ServerEvent{EventId: "event_test", Type: typ, Param: param})
	require.NoError(t, err)
	return item, delta
}

func created(item Item) *ServerEventParamConversationItemCreated {
	return &ServerEventParamConversationItemCreated{Item: item}
}

func audioB64(samples ...int16) string {
	return base64.StdEncoding.EncodeToString(tools.SamplesToPCM16(samples))
}

func TestNewConversationRequiresLogger(t *testing.T) {
	_, err := NewConversation(nil, shared.ConversationConfig{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestApplyRejectsStructurallyInvalidEvents(t *testing.T) {
	conv := newTestConversation(t)

	_, _, err := conv.Apply(&ServerEvent{EventId: "e1", Param: new(ServerEventParamUnknown)})
	assert.ErrorIs(t, err, shared.ErrMissingEventType)

	_, _, err = conv.Apply(&ServerEvent{Type: ServerEventTypeResponseAudioDelta, Param: new(ServerEventParamResponseAudioDelta)})
	assert.ErrorIs(t, err, shared.ErrMissingEventId)

	_, _, err = conv.Apply(nil)
	assert.ErrorIs(t, err, shared.ErrMissingEventType)
}

func TestItemCreatedIsIdempotent(t *testing.T) {
	conv := newTestConversation(t)
	in := Item{
		Id:      "item_1",
		Type:    ItemTypeMessage,
		Role:    ItemRoleAssistant,
		Content: []ContentPart{{Type: "text", Text: "hi"}},
	}

	apply(t, conv, ServerEventTypeConversationItemCreated, created(in))
	once := conv.ListItems()
	apply(t, conv, ServerEventTypeConversationItemCreated, created(in))

	assert.Equal(t, once, conv.ListItems())
	require.Len(t, once, 1)
	assert.Equal(t, "hi", once[0].Formatted.Text)
}

func TestItemCreatedStatusByKind(t *testing.T) {
	tests := []struct {
		name     string
		item     Item
		status   ItemStatus
		validate func(t *testing.T, it *Item)
	}{
		{
			name:   "user message completes immediately",
			item:   Item{Id: "u", Type: ItemTypeMessage, Role: ItemRoleUser, Content: []ContentPart{{Type: "input_text", Text: "hello"}}},
			status: ItemStatusCompleted,
			validate: func(t *testing.T, it *Item) {
				assert.Equal(t, "hello", it.Formatted.Text)
			},
		},
		{
			name:   "assistant message streams",
			item:   Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant},
			status: ItemStatusInProgress,
		},
		{
			name:   "function call seeds tool",
			item:   Item{Id: "f", Type: ItemTypeFunctionCall, Name: "lookup", CallId: "call_1"},
			status: ItemStatusInProgress,
			validate: func(t *testing.T, it *Item) {
				require.NotNil(t, it.Formatted.Tool)
				assert.Equal(t, Tool{Type: "function", Name: "lookup", CallId: "call_1"}, *it.Formatted.Tool)
			},
		},
		{
			name:   "function call output is copied",
			item:   Item{Id: "o", Type: ItemTypeFunctionCallOutput, CallId: "call_1", Output: `{"ok":true}`},
			status: ItemStatusCompleted,
			validate: func(t *testing.T, it *Item) {
				assert.Equal(t, `{"ok":true}`, it.Formatted.Output)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := newTestConversation(t)
			it, delta := apply(t, conv, ServerEventTypeConversationItemCreated, created(tt.item))
			require.NotNil(t, it)
			assert.True(t, delta.IsEmpty())
			assert.Equal(t, tt.status, it.Status)
			if tt.validate != nil {
				tt.validate(t, it)
			}
		})
	}
}

func TestDeltasConcatenateInOrderAndCompleteOnDone(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))

	for _, d := range []string{"Hel", "lo, ", "world"} {
		p := &ServerEventParamResponseAudioTranscriptDelta{Delta: d}
		p.ItemId = "a"
		it, delta := apply(t, conv, ServerEventTypeResponseAudioTranscriptDelta, p)
		assert.Equal(t, d, delta.Transcript)
		assert.Equal(t, ItemStatusInProgress, it.Status)
	}
	text := &ServerEventParamResponseTextDelta{Delta: "txt"}
	text.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseTextDelta, text)

	it, _ := apply(t, conv, ServerEventTypeResponseOutputItemDone, &ServerEventParamResponseOutputItemDone{
		Item: Item{Id: "a", Status: ItemStatusCompleted},
	})

	assert.Equal(t, "Hello, world", it.Formatted.Transcript)
	assert.Equal(t, "txt", it.Formatted.Text)
	assert.Equal(t, ItemStatusCompleted, it.Status)
}

func TestDeltaAfterCompletionIsAccepted(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	apply(t, conv, ServerEventTypeConversationItemDone, &ServerEventParamConversationItemDone{Item: Item{Id: "a"}})

	p := &ServerEventParamResponseTextDelta{Delta: "late"}
	p.ItemId = "a"
	it, delta := apply(t, conv, ServerEventTypeResponseTextDelta, p)

	assert.Equal(t, "late", delta.Text)
	assert.Equal(t, "late", it.Formatted.Text)
	assert.Equal(t, ItemStatusCompleted, it.Status)
}

func TestDeltaBeforeItemCreatedIsClaimedOnce(t *testing.T) {
	conv := newTestConversation(t)

	tr := &ServerEventParamResponseAudioTranscriptDelta{Delta: "early "}
	tr.ItemId = "a"
	item, delta := apply(t, conv, ServerEventTypeResponseAudioTranscriptDelta, tr)
	assert.Nil(t, item)
	assert.Equal(t, "early ", delta.Transcript)

	au := &ServerEventParamResponseAudioDelta{Delta: audioB64(1, 2)}
	au.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseAudioDelta, au)

	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	assert.Equal(t, "early ", it.Formatted.Transcript)
	assert.Equal(t, []int16{1, 2}, it.Formatted.Audio)

	// A redelivered create must not claim the buffers a second time.
	it, _ = apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	assert.Equal(t, "early ", it.Formatted.Transcript)
	assert.Equal(t, []int16{1, 2}, it.Formatted.Audio)
	assert.Empty(t, conv.queuedTranscript)
	assert.Empty(t, conv.queuedSpeechAudio)
}

func TestEmptyTranscriptDoneKeepsQueuedDeltas(t *testing.T) {
	conv := newTestConversation(t)

	tr := &ServerEventParamResponseAudioTranscriptDelta{Delta: "queued"}
	tr.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseAudioTranscriptDelta, tr)
	done := &ServerEventParamResponseAudioTranscriptDone{}
	done.ItemId = "a"
	item, _ := apply(t, conv, ServerEventTypeResponseAudioTranscriptDone, done)
	assert.Nil(t, item)

	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	assert.Equal(t, "queued", it.Formatted.Transcript)
}

func TestItemCreatedWithoutItemIsSkipped(t *testing.T) {
	conv := newTestConversation(t)
	event, err := DecodeUpstream([]byte(`{"event_id":"e1","type":"conversation.item.created"}`))
	require.NoError(t, err)

	item, delta, err := conv.Apply(event)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.True(t, delta.IsEmpty())
	assert.Empty(t, conv.ListItems())
}

func TestUserTranscriptBeforeItemCreated(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeConversationItemInputAudioTranscriptionCompleted, &ServerEventParamInputAudioTranscriptionCompleted{
		ItemId:     "u",
		Transcript: "hello there",
	})

	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "u", Type: ItemTypeMessage, Role: ItemRoleUser}))

	assert.Equal(t, "hello there", it.Formatted.Transcript)
}

func TestQueueInputAudioKeepsOnlyLatestCapture(t *testing.T) {
	conv := newTestConversation(t)
	conv.QueueInputAudio([]int16{1, 1, 1})
	conv.QueueInputAudio([]int16{2, 2})

	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "u1", Type: ItemTypeMessage, Role: ItemRoleUser}))
	assert.Equal(t, []int16{2, 2}, it.Formatted.Audio)

	it, _ = apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "u2", Type: ItemTypeMessage, Role: ItemRoleUser}))
	assert.Empty(t, it.Formatted.Audio)
}

func TestCommittedMovesPendingAudioToItem(t *testing.T) {
	conv := newTestConversation(t)
	conv.QueueInputAudio([]int16{7, 8})

	apply(t, conv, ServerEventTypeInputAudioBufferCommitted, &ServerEventParamInputAudioBufferCommitted{ItemId: "u"})
	// A different item created in between must not take the capture.
	other, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "x", Type: ItemTypeMessage, Role: ItemRoleUser}))
	assert.Empty(t, other.Formatted.Audio)

	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "u", Type: ItemTypeMessage, Role: ItemRoleUser}))
	assert.Equal(t, []int16{7, 8}, it.Formatted.Audio)
}

func TestFunctionCallArguments(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeResponseFunctionCallArgumentsDelta, &ServerEventParamResponseFunctionCallArgumentsDelta{ItemId: "f", Delta: `{"q":`})
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "f", Type: ItemTypeFunctionCall, Name: "search", CallId: "c"}))
	it, delta := apply(t, conv, ServerEventTypeResponseFunctionCallArgumentsDelta, &ServerEventParamResponseFunctionCallArgumentsDelta{ItemId: "f", Delta: `"go"}`})

	assert.Equal(t, `"go"}`, delta.Arguments)
	assert.Equal(t, `{"q":"go"}`, it.Formatted.Tool.Arguments)
	assert.Equal(t, ItemStatusInProgress, it.Status)

	it, _ = apply(t, conv, ServerEventTypeResponseFunctionCallArgumentsDone, &ServerEventParamResponseFunctionCallArgumentsDone{ItemId: "f", Arguments: `{"q":"golang"}`})
	assert.Equal(t, `{"q":"golang"}`, it.Formatted.Tool.Arguments)
	assert.Equal(t, ItemStatusCompleted, it.Status)
}

func TestTruncateTrimsAudioAndClearsTranscript(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	samples := make([]int16, 48)
	au := &ServerEventParamResponseAudioDelta{Delta: audioB64(samples...)}
	au.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseAudioDelta, au)
	tr := &ServerEventParamResponseAudioTranscriptDelta{Delta: "spoken"}
	tr.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseAudioTranscriptDelta, tr)

	// 1ms at 24kHz is 24 samples.
	it, _ := apply(t, conv, ServerEventTypeConversationItemTruncated, &ServerEventParamConversationItemTruncated{ItemId: "a", AudioEndMs: 1})

	assert.Len(t, it.Formatted.Audio, 24)
	assert.Empty(t, it.Formatted.Transcript)
}

func TestDeleteKeepsOrderOfTheRest(t *testing.T) {
	conv := newTestConversation(t)
	for _, id := range []string{"a", "b", "c"} {
		apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: id, Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	}

	apply(t, conv, ServerEventTypeConversationItemDeleted, &ServerEventParamConversationItemDeleted{ItemId: "b"})

	items := conv.ListItems()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Id)
	assert.Equal(t, "c", items[1].Id)
	_, ok := conv.GetItem("b")
	assert.False(t, ok)
}

func TestListItemsIsASnapshot(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))
	snapshot := conv.ListItems()

	p := &ServerEventParamResponseTextDelta{Delta: "more"}
	p.ItemId = "a"
	apply(t, conv, ServerEventTypeResponseTextDelta, p)
	assert.Empty(t, snapshot[0].Formatted.Text)

	snapshot[0].Formatted.Text = "mutated"
	it, ok := conv.GetItem("a")
	require.True(t, ok)
	assert.Equal(t, "more", it.Formatted.Text)
}

func TestResponsesAreTracked(t *testing.T) {
	conv := newTestConversation(t)
	apply(t, conv, ServerEventTypeResponseCreated, &ServerEventParamResponseCreated{ResponseId: "r1", Status: "in_progress"})
	apply(t, conv, ServerEventTypeResponseOutputItemAdded, &ServerEventParamResponseOutputItemAdded{ResponseId: "r1", Item: Item{Id: "a"}})
	apply(t, conv, ServerEventTypeResponseOutputItemAdded, &ServerEventParamResponseOutputItemAdded{ResponseId: "r1", Item: Item{Id: "a"}})
	apply(t, conv, ServerEventTypeResponseDone, &ServerEventParamResponseDone{ResponseId: "r1", Status: "completed"})

	r, ok := conv.GetResponse("r1")
	require.True(t, ok)
	assert.Equal(t, Response{Id: "r1", Status: "completed", Output: []string{"a"}}, r)
	assert.Len(t, conv.ListResponses(), 1)
}

func TestUnknownEventIsANoop(t *testing.T) {
	conv := newTestConversation(t)
	item, delta := apply(t, conv, "rate_limits.updated", &ServerEventParamUnknown{Raw: map[string]any{"rate_limits": []any{}}})

	assert.Nil(t, item)
	assert.True(t, delta.IsEmpty())
	assert.Empty(t, conv.ListItems())
}

func TestAudioNotRetainedWhenDisabled(t *testing.T) {
	conv, err := NewConversation(shared.NewNopLogger(), shared.ConversationConfig{RetainAudio: false})
	require.NoError(t, err)
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))

	au := &ServerEventParamResponseAudioDelta{Delta: audioB64(5, 6)}
	au.ItemId = "a"
	it, delta := apply(t, conv, ServerEventTypeResponseAudioDelta, au)

	assert.Equal(t, []int16{5, 6}, delta.Audio)
	assert.Empty(t, it.Formatted.Audio)
}

func TestClearResetsState(t *testing.T) {
	conv := newTestConversation(t)
	conv.QueueInputAudio([]int16{1})
	apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "a", Type: ItemTypeMessage, Role: ItemRoleAssistant}))

	conv.Clear()

	assert.Empty(t, conv.ListItems())
	it, _ := apply(t, conv, ServerEventTypeConversationItemCreated, created(Item{Id: "u", Type: ItemTypeMessage, Role: ItemRoleUser}))
	assert.Empty(t, it.Formatted.Audio)
}
