package relay

import (
	"slices"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"go.uber.org/zap"
)

type ItemType string

const (
	ItemTypeMessage            ItemType = "message"
	ItemTypeFunctionCall       ItemType = "function_call"
	ItemTypeFunctionCallOutput ItemType = "function_call_output"
)

type ItemRole string

const (
	ItemRoleUser      ItemRole = "user"
	ItemRoleAssistant ItemRole = "assistant"
	ItemRoleSystem    ItemRole = "system"
)

type ItemStatus string

const (
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusIncomplete ItemStatus = "incomplete"
)

// ContentPart is one typed entry of an item's content as upstream sent it.
type ContentPart struct {
	Type       string
	Text       string
	Audio      string
	Transcript string
}

// Tool describes the function call carried by a function_call item.
type Tool struct {
	Type      string
	Name      string
	CallId    string
	Arguments string
}

// Formatted is the accumulated view of an item. It is rebuilt from content
// and deltas and is never sent back upstream.
type Formatted struct {
	Text       string
	Transcript string
	Audio      []int16
	Tool       *Tool
	Output     string
}

type Item struct {
	Id        string
	Type      ItemType
	Role      ItemRole
	Status    ItemStatus
	Content   []ContentPart
	Name      string
	CallId    string
	Arguments string
	Output    string
	Formatted Formatted
}

func (it *Item) clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	out.Content = slices.Clone(it.Content)
	out.Formatted.Audio = slices.Clone(it.Formatted.Audio)
	if it.Formatted.Tool != nil {
		tool := *it.Formatted.Tool
		out.Formatted.Tool = &tool
	}
	return &out
}

// Delta is the user visible change produced by one applied event.
type Delta struct {
	Text       string
	Transcript string
	Arguments  string
	Audio      []int16
}

func (d Delta) IsEmpty() bool {
	return d.Text == "" && d.Transcript == "" && d.Arguments == "" && len(d.Audio) == 0
}

type Response struct {
	Id     string
	Status string
	Output []string
}

// Conversation reconciles the item and response state of one session from
// upstream events. It is not safe for concurrent use; a Session drives it
// from a single goroutine.
type Conversation struct {
	logger shared.LoggerAdapter
	cfg    shared.ConversationConfig

	itemLookup map[string]*Item
	items      []*Item

	responseLookup map[string]*Response
	responses      []*Response

	queuedSpeechAudio map[string][]int16
	queuedTranscript  map[string]string
	queuedText        map[string]string
	queuedArguments   map[string]string
	pendingInputAudio []int16
}

func NewConversation(logger shared.LoggerAdapter, cfg shared.ConversationConfig) (*Conversation, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}
	c := &Conversation{logger: logger, cfg: cfg}
	c.Clear()
	return c, nil
}

// Clear drops every item, response and queued buffer.
func (c *Conversation) Clear() {
	c.itemLookup = make(map[string]*Item)
	c.items = nil
	c.responseLookup = make(map[string]*Response)
	c.responses = nil
	c.queuedSpeechAudio = make(map[string][]int16)
	c.queuedTranscript = make(map[string]string)
	c.queuedText = make(map[string]string)
	c.queuedArguments = make(map[string]string)
	c.pendingInputAudio = nil
}

// QueueInputAudio stores the capture that belongs to the next user message.
// Only one capture is held; a second call replaces the first.
func (c *Conversation) QueueInputAudio(samples []int16) {
	c.pendingInputAudio = slices.Clone(samples)
}

func (c *Conversation) GetItem(id string) (*Item, bool) {
	it, ok := c.itemLookup[id]
	if !ok {
		return nil, false
	}
	return it.clone(), true
}

// ListItems returns a copy of the items in conversation order.
func (c *Conversation) ListItems() []Item {
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, *it.clone())
	}
	return out
}

func (c *Conversation) GetResponse(id string) (Response, bool) {
	r, ok := c.responseLookup[id]
	if !ok {
		return Response{}, false
	}
	out := *r
	out.Output = slices.Clone(r.Output)
	return out, true
}

func (c *Conversation) ListResponses() []Response {
	out := make([]Response, 0, len(c.responses))
	for _, r := range c.responses {
		cp := *r
		cp.Output = slices.Clone(r.Output)
		out = append(out, cp)
	}
	return out
}

// Apply folds one upstream event into the conversation. The returned item is
// a copy of the affected item, nil when the event touched none. Only events
// without an id or a type are rejected; everything else degrades to a no-op.
func (c *Conversation) Apply(event *ServerEvent) (*Item, Delta, error) {
	if event == nil || event.Type == "" {
		return nil, Delta{}, shared.ErrMissingEventType
	}
	if event.EventId == "" {
		return nil, Delta{}, shared.ErrMissingEventId
	}
	var (
		item  *Item
		delta Delta
	)
	switch p := event.Param.(type) {
	case *ServerEventParamConversationItemCreated:
		item = c.itemCreated(p.Item)
	case *ServerEventParamConversationItemDone:
		item = c.itemDone(p.Item)
	case *ServerEventParamResponseOutputItemDone:
		item = c.itemDone(p.Item)
	case *ServerEventParamConversationItemTruncated:
		item = c.itemTruncated(p)
	case *ServerEventParamConversationItemDeleted:
		c.itemDeleted(p.ItemId)
	case *ServerEventParamInputAudioBufferCommitted:
		item = c.inputCommitted(p.ItemId)
	case *ServerEventParamInputAudioTranscriptionDelta:
		item, delta = c.transcriptDelta(p.ItemId, p.Delta)
	case *ServerEventParamInputAudioTranscriptionCompleted:
		item, delta = c.transcriptCompleted(p.ItemId, p.Transcript)
	case *ServerEventParamResponseTextDelta:
		item, delta = c.textDelta(p.ItemId, p.Delta)
	case *ServerEventParamResponseAudioDelta:
		item, delta = c.audioDelta(p.ItemId, p.Delta)
	case *ServerEventParamResponseAudioTranscriptDelta:
		item, delta = c.transcriptDelta(p.ItemId, p.Delta)
	case *ServerEventParamResponseAudioTranscriptDone:
		item = c.transcriptDone(p.ItemId, p.Transcript)
	case *ServerEventParamResponseFunctionCallArgumentsDelta:
		item, delta = c.argumentsDelta(p.ItemId, p.Delta)
	case *ServerEventParamResponseFunctionCallArgumentsDone:
		item = c.argumentsDone(p.ItemId, p.Arguments)
	case *ServerEventParamResponseCreated:
		c.responseCreated(p.ResponseId, p.Status)
	case *ServerEventParamResponseOutputItemAdded:
		item = c.outputItemAdded(p.ResponseId, p.Item)
	case *ServerEventParamResponseDone:
		c.responseDone(p.ResponseId, p.Status)
	}
	return item.clone(), delta, nil
}

func (c *Conversation) itemCreated(in Item) *Item {
	if in.Id == "" {
		c.logger.Warn("item created without id, ignoring")
		return nil
	}
	if existing, ok := c.itemLookup[in.Id]; ok {
		return existing
	}
	it := in.clone()
	it.Formatted = Formatted{}
	if audio, ok := c.queuedSpeechAudio[it.Id]; ok {
		it.Formatted.Audio = audio
		delete(c.queuedSpeechAudio, it.Id)
	}
	for _, part := range it.Content {
		if part.Type == "text" || part.Type == "input_text" {
			it.Formatted.Text += part.Text
		}
	}
	if text, ok := c.queuedText[it.Id]; ok {
		it.Formatted.Text += text
		delete(c.queuedText, it.Id)
	}
	if transcript, ok := c.queuedTranscript[it.Id]; ok {
		it.Formatted.Transcript = transcript
		delete(c.queuedTranscript, it.Id)
	}
	switch it.Type {
	case ItemTypeMessage:
		if it.Role == ItemRoleUser {
			it.Status = ItemStatusCompleted
			if c.pendingInputAudio != nil {
				it.Formatted.Audio = c.pendingInputAudio
				c.pendingInputAudio = nil
			}
		} else {
			it.Status = ItemStatusInProgress
		}
	case ItemTypeFunctionCall:
		it.Status = ItemStatusInProgress
		it.Formatted.Tool = &Tool{
			Type:   "function",
			Name:   it.Name,
			CallId: it.CallId,
		}
		if args, ok := c.queuedArguments[it.Id]; ok {
			it.Formatted.Tool.Arguments = args
			delete(c.queuedArguments, it.Id)
		}
	case ItemTypeFunctionCallOutput:
		it.Status = ItemStatusCompleted
		it.Formatted.Output = it.Output
	}
	c.itemLookup[it.Id] = it
	c.items = append(c.items, it)
	return it
}

func (c *Conversation) itemDone(in Item) *Item {
	it, ok := c.itemLookup[in.Id]
	if !ok {
		c.logger.Warn("done event for unknown item", zap.String("item_id", in.Id))
		return nil
	}
	if in.Status != "" {
		it.Status = in.Status
	} else {
		it.Status = ItemStatusCompleted
	}
	return it
}

func (c *Conversation) itemTruncated(p *ServerEventParamConversationItemTruncated) *Item {
	it, ok := c.itemLookup[p.ItemId]
	if !ok {
		c.logger.Warn("truncate for unknown item", zap.String("item_id", p.ItemId))
		return nil
	}
	end := tools.MsToSamples(p.AudioEndMs, c.cfg.OutputSampleRate)
	if end < len(it.Formatted.Audio) {
		it.Formatted.Audio = it.Formatted.Audio[:end]
	}
	it.Formatted.Transcript = ""
	return it
}

func (c *Conversation) itemDeleted(id string) {
	it, ok := c.itemLookup[id]
	if !ok {
		return
	}
	delete(c.itemLookup, id)
	c.items = slices.DeleteFunc(c.items, func(x *Item) bool { return x == it })
}

// inputCommitted hands the pending capture to the item upstream is about to
// create for it.
func (c *Conversation) inputCommitted(id string) *Item {
	if id == "" || c.pendingInputAudio == nil {
		return nil
	}
	if it, ok := c.itemLookup[id]; ok {
		if len(it.Formatted.Audio) == 0 {
			it.Formatted.Audio = c.pendingInputAudio
			c.pendingInputAudio = nil
		}
		return it
	}
	c.queuedSpeechAudio[id] = c.pendingInputAudio
	c.pendingInputAudio = nil
	return nil
}

func (c *Conversation) transcriptDelta(id, delta string) (*Item, Delta) {
	it, ok := c.itemLookup[id]
	if !ok {
		c.queuedTranscript[id] += delta
		return nil, Delta{Transcript: delta}
	}
	c.warnIfCompleted(it, "transcript")
	it.Formatted.Transcript += delta
	return it, Delta{Transcript: delta}
}

func (c *Conversation) transcriptCompleted(id, transcript string) (*Item, Delta) {
	it, ok := c.itemLookup[id]
	if !ok {
		c.queuedTranscript[id] = transcript
		return nil, Delta{Transcript: transcript}
	}
	it.Formatted.Transcript = transcript
	return it, Delta{Transcript: transcript}
}

func (c *Conversation) transcriptDone(id, transcript string) *Item {
	it, ok := c.itemLookup[id]
	if !ok {
		if transcript != "" {
			c.queuedTranscript[id] = transcript
		}
		return nil
	}
	if transcript != "" {
		it.Formatted.Transcript = transcript
	}
	return it
}

func (c *Conversation) textDelta(id, delta string) (*Item, Delta) {
	it, ok := c.itemLookup[id]
	if !ok {
		c.queuedText[id] += delta
		return nil, Delta{Text: delta}
	}
	c.warnIfCompleted(it, "text")
	it.Formatted.Text += delta
	return it, Delta{Text: delta}
}

func (c *Conversation) audioDelta(id, b64 string) (*Item, Delta) {
	samples, err := tools.DecodeBase64PCM16(b64)
	if err != nil {
		c.logger.Warn("undecodable audio delta", zap.String("item_id", id), zap.Error(err))
		return c.itemLookup[id], Delta{}
	}
	it, ok := c.itemLookup[id]
	if !c.cfg.RetainAudio {
		return it, Delta{Audio: samples}
	}
	if !ok {
		c.queuedSpeechAudio[id] = append(c.queuedSpeechAudio[id], samples...)
		return nil, Delta{Audio: samples}
	}
	c.warnIfCompleted(it, "audio")
	it.Formatted.Audio = append(it.Formatted.Audio, samples...)
	return it, Delta{Audio: samples}
}

func (c *Conversation) argumentsDelta(id, delta string) (*Item, Delta) {
	it, ok := c.itemLookup[id]
	if !ok || it.Formatted.Tool == nil {
		if ok {
			c.logger.Warn("arguments delta for non function item", zap.String("item_id", id))
			return it, Delta{}
		}
		c.queuedArguments[id] += delta
		return nil, Delta{Arguments: delta}
	}
	c.warnIfCompleted(it, "arguments")
	it.Formatted.Tool.Arguments += delta
	return it, Delta{Arguments: delta}
}

func (c *Conversation) argumentsDone(id, arguments string) *Item {
	it, ok := c.itemLookup[id]
	if !ok {
		if arguments != "" {
			c.queuedArguments[id] = arguments
		}
		return nil
	}
	if it.Formatted.Tool != nil && arguments != "" {
		it.Formatted.Tool.Arguments = arguments
	}
	it.Status = ItemStatusCompleted
	return it
}

func (c *Conversation) responseCreated(id, status string) {
	if id == "" {
		return
	}
	if _, ok := c.responseLookup[id]; ok {
		return
	}
	r := &Response{Id: id, Status: status}
	c.responseLookup[id] = r
	c.responses = append(c.responses, r)
}

func (c *Conversation) outputItemAdded(responseId string, in Item) *Item {
	if r, ok := c.responseLookup[responseId]; ok && in.Id != "" && !slices.Contains(r.Output, in.Id) {
		r.Output = append(r.Output, in.Id)
	}
	if in.Id == "" {
		return nil
	}
	if it, ok := c.itemLookup[in.Id]; ok {
		return it
	}
	return nil
}

func (c *Conversation) responseDone(id, status string) {
	r, ok := c.responseLookup[id]
	if !ok {
		return
	}
	if status != "" {
		r.Status = status
	}
}

func (c *Conversation) warnIfCompleted(it *Item, kind string) {
	// User items complete on creation; their transcript still streams in.
	if it.Status == ItemStatusCompleted && it.Role != ItemRoleUser {
		c.logger.Warn(
			"delta after completion",
			zap.String("item_id", it.Id),
			zap.String("delta", kind),
		)
	}
}
