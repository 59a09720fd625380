package realtime

// history is the transport-side record of conversation items, used to derive
// history_added and history_updated notifications.
type history struct {
	items []HistoryItem
	index map[string]int
	calls map[string]string // call_id -> item id
}

func newHistory() *history {
	return &history{index: make(map[string]int), calls: make(map[string]string)}
}

// add records a newly created item. It reports false when the id is already
// known, in which case the stored item is replaced.
func (h *history) add(item HistoryItem) bool {
	if i, ok := h.index[item.ItemID]; ok {
		h.items[i] = mergeItem(h.items[i], item)
		h.trackCall(h.items[i])
		return false
	}
	h.index[item.ItemID] = len(h.items)
	h.items = append(h.items, item)
	h.trackCall(item)
	return true
}

func (h *history) trackCall(item HistoryItem) {
	if item.Type == ItemFunctionCall && item.CallID != "" {
		h.calls[item.CallID] = item.ItemID
	}
}

// attachOutput stores a function call output on the call it answers.
func (h *history) attachOutput(callID, output string) bool {
	id, ok := h.calls[callID]
	if !ok {
		return false
	}
	h.items[h.index[id]].Output = output
	return true
}

// setArguments records the final arguments of a function call.
func (h *history) setArguments(itemID, callID, name, arguments string) {
	if i, ok := h.index[itemID]; ok {
		h.items[i].Arguments = arguments
		if name != "" {
			h.items[i].Name = name
		}
		return
	}
	h.add(HistoryItem{ItemID: itemID, Type: ItemFunctionCall, CallID: callID, Name: name, Arguments: arguments, Status: "in_progress"})
}

// setTranscript fills the transcript of an input audio part.
func (h *history) setTranscript(itemID string, contentIndex int, transcript string) bool {
	i, ok := h.index[itemID]
	if !ok {
		return false
	}
	item := &h.items[i]
	for len(item.Content) <= contentIndex {
		item.Content = append(item.Content, ContentPart{Type: PartInputAudio})
	}
	item.Content[contentIndex].Transcript = transcript
	item.Status = StatusCompleted
	return true
}

func (h *history) snapshot() []HistoryItem {
	out := make([]HistoryItem, len(h.items))
	for i, item := range h.items {
		item.Content = append([]ContentPart(nil), item.Content...)
		out[i] = item
	}
	return out
}

// mergeItem overlays next on prev while keeping fields next leaves empty.
func mergeItem(prev, next HistoryItem) HistoryItem {
	if next.Type == "" {
		next.Type = prev.Type
	}
	if next.Role == "" {
		next.Role = prev.Role
	}
	if next.Status == "" {
		next.Status = prev.Status
	}
	if len(next.Content) == 0 {
		next.Content = prev.Content
	}
	if next.Name == "" {
		next.Name = prev.Name
	}
	if next.CallID == "" {
		next.CallID = prev.CallID
	}
	if next.Arguments == "" {
		next.Arguments = prev.Arguments
	}
	if next.Output == "" {
		next.Output = prev.Output
	}
	return next
}
