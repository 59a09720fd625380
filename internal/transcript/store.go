package transcript

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes conversation messages from breadcrumbs.
type Kind string

const (
	KindMessage    Kind = "message"
	KindBreadcrumb Kind = "breadcrumb"
)

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of an item.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Category classifies a finished guardrail verdict.
type Category string

const (
	CategoryNone     Category = "none"
	CategoryOffBrand Category = "off_brand"
)

// Placeholder is shown for a user turn whose transcription has not arrived yet.
const Placeholder = "Transcribing…"

// GuardrailVerdict is attached to assistant messages.
type GuardrailVerdict struct {
	Status    Status   `json:"status"`
	Category  Category `json:"category,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// Fatal reports whether the verdict is a finished, flagged result.
func (v GuardrailVerdict) Fatal() bool {
	return v.Status == StatusDone && v.Category != "" && v.Category != CategoryNone
}

// Item is one transcript entry, either a message or a breadcrumb.
type Item struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Role      Role              `json:"role,omitempty"`
	Text      string            `json:"text,omitempty"`
	Title     string            `json:"title,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Status    Status            `json:"status"`
	Guardrail *GuardrailVerdict `json:"guardrail,omitempty"`
	Hidden    bool              `json:"hidden,omitempty"`
	Expanded  bool              `json:"expanded"`
	CreatedAt time.Time         `json:"created_at"`

	placeholder bool
	seq         uint64
}

func (it *Item) clone() Item {
	out := *it
	if it.Guardrail != nil {
		v := *it.Guardrail
		out.Guardrail = &v
	}
	if it.Data != nil {
		out.Data = make(map[string]any, len(it.Data))
		for k, v := range it.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the ordered collection of transcript items of one session. It is
// mutated by a single goroutine and safe for concurrent readers.
type Store struct {
	mu            sync.RWMutex
	items         []*Item
	index         map[string]*Item
	lastAssistant *Item
	seq           uint64
	now           func() time.Time
	listeners     []func(Item)
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{index: make(map[string]*Item), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to receive a copy of every created or mutated item.
// Listeners run on the mutating goroutine after the store lock is released.
func (s *Store) OnChange(fn func(Item)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(it Item) {
	s.mu.RLock()
	listeners := append([]func(Item){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(it)
	}
}

func (s *Store) insertLocked(it *Item) {
	s.seq++
	it.seq = s.seq
	it.CreatedAt = s.now()
	s.items = append(s.items, it)
	s.index[it.ID] = it
}

// CreateMessage adds a message unless one with itemID already exists and
// reports whether it did. Assistant messages start with an in-progress
// guardrail verdict. Hidden messages are kept but not displayed.
func (s *Store) CreateMessage(itemID string, role Role, initialText string, hidden bool) bool {
	s.mu.Lock()
	if _, ok := s.index[itemID]; ok || itemID == "" {
		s.mu.Unlock()
		return false
	}
	it := &Item{
		ID:          itemID,
		Kind:        KindMessage,
		Role:        role,
		Text:        initialText,
		Status:      StatusInProgress,
		Hidden:      hidden,
		placeholder: initialText == Placeholder,
	}
	if role == RoleAssistant {
		it.Guardrail = &GuardrailVerdict{Status: StatusInProgress}
	}
	s.insertLocked(it)
	if role == RoleAssistant {
		s.lastAssistant = it
	}
	out := it.clone()
	s.mu.Unlock()
	s.notify(out)
	return true
}

// AppendOrSetText appends a delta or replaces the text of an existing message.
// The first delta replaces a placeholder instead of extending it.
func (s *Store) AppendOrSetText(itemID, text string, isDelta bool) bool {
	return s.mutate(itemID, func(it *Item) bool {
		if isDelta && !it.placeholder {
			it.Text += text
		} else {
			it.Text = text
		}
		it.placeholder = false
		return true
	})
}

// UpdateStatus sets the completion status of an item.
func (s *Store) UpdateStatus(itemID string, status Status) bool {
	return s.mutate(itemID, func(it *Item) bool {
		if it.Status == status {
			return false
		}
		it.Status = status
		return true
	})
}

// SetGuardrailVerdict records v on an assistant message. A finished verdict
// never returns to in_progress and a flagged verdict is never replaced by a
// pass.
func (s *Store) SetGuardrailVerdict(itemID string, v GuardrailVerdict) bool {
	return s.mutate(itemID, func(it *Item) bool {
		if it.Kind != KindMessage || it.Role != RoleAssistant {
			return false
		}
		if cur := it.Guardrail; cur != nil && cur.Status == StatusDone {
			if v.Status != StatusDone {
				return false
			}
			if cur.Fatal() && !v.Fatal() {
				return false
			}
		}
		verdict := v
		it.Guardrail = &verdict
		return true
	})
}

// SetExpanded toggles the display flag of an item.
func (s *Store) SetExpanded(itemID string, expanded bool) bool {
	return s.mutate(itemID, func(it *Item) bool {
		it.Expanded = expanded
		return true
	})
}

func (s *Store) mutate(itemID string, fn func(*Item) bool) bool {
	s.mu.Lock()
	it, ok := s.index[itemID]
	if !ok || !fn(it) {
		s.mu.Unlock()
		return false
	}
	out := it.clone()
	s.mu.Unlock()
	s.notify(out)
	return true
}

// AddBreadcrumb appends a finished breadcrumb and returns its id.
func (s *Store) AddBreadcrumb(title string, payload map[string]any) string {
	s.mu.Lock()
	it := &Item{
		ID:     uuid.NewString(),
		Kind:   KindBreadcrumb,
		Title:  title,
		Data:   payload,
		Status: StatusDone,
	}
	s.insertLocked(it)
	out := it.clone()
	s.mu.Unlock()
	s.notify(out)
	return out.ID
}

// Get returns a copy of the item with the given id.
func (s *Store) Get(itemID string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.index[itemID]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// LastAssistant returns the most recently created assistant message.
func (s *Store) LastAssistant() (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastAssistant == nil {
		return Item{}, false
	}
	return s.lastAssistant.clone(), true
}

// QueryLatest returns the most recently created item matching pred.
func (s *Store) QueryLatest(pred func(Item) bool) (Item, bool) {
	items := s.Items()
	for i := len(items) - 1; i >= 0; i-- {
		if pred(items[i]) {
			return items[i], true
		}
	}
	return Item{}, false
}

// Items returns copies of all items ordered by creation time, ties broken by
// insertion order.
func (s *Store) Items() []Item {
	s.mu.RLock()
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = it.clone()
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].seq < out[j].seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of items, hidden ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Reset removes every item.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.index = make(map[string]*Item)
	s.lastAssistant = nil
	s.mu.Unlock()
}
