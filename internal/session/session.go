// Package session tracks AI conversation histories across checks so a
// dependent check can continue where its dependency's conversation ended.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReuseMode selects how a dependent check attaches to an existing session.
type ReuseMode string

const (
	// ReuseClone deep-copies the history; the original is never mutated.
	ReuseClone ReuseMode = "clone"
	// ReuseAppend shares the live session; turns append to the original.
	ReuseAppend ReuseMode = "append"
)

func ParseReuseMode(s string) (ReuseMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clone":
		return ReuseClone, nil
	case "append":
		return ReuseAppend, nil
	default:
		return "", fmt.Errorf("invalid session mode: %q", s)
	}
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a recorded conversation. History is guarded by the registry's
// lock; callers append through the registry, not directly.
type Session struct {
	ID        string
	Provider  string
	Model     string
	History   []Message
	CreatedAt time.Time
}

// ErrUnresolved reports a reuse request against a session that was never
// registered. Carries the stable rule id for issue reporting.
type ErrUnresolved struct {
	CheckName string
}

func (e *ErrUnresolved) Error() string {
	return fmt.Sprintf("session/unresolved: no session recorded for check %q", e.CheckName)
}

// Registry maps check names to their sessions for one run.
type Registry struct {
	mu       sync.Mutex
	byCheck  map[string]*Session
	register func() string
}

func NewRegistry() *Registry {
	return &Registry{
		byCheck:  map[string]*Session{},
		register: func() string { return ulid.Make().String() },
	}
}

// Create records a fresh session for a check and returns it.
func (r *Registry) Create(checkName, provider, model string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{
		ID:        r.register(),
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now(),
	}
	r.byCheck[checkName] = s
	return s
}

// Get returns the session recorded for a check.
func (r *Registry) Get(checkName string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCheck[checkName]
	return s, ok
}

// Append adds a turn to the named check's session.
func (r *Registry) Append(checkName string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCheck[checkName]
	if !ok {
		return &ErrUnresolved{CheckName: checkName}
	}
	s.History = append(s.History, msg)
	return nil
}

// AcquireForReuse resolves the session registered under parentCheck and
// returns the session the dependent should talk through. The history is
// sanitized first in both modes; clone then works on a deep copy with a new
// ID while append returns the shared session.
func (r *Registry) AcquireForReuse(parentCheck string, mode ReuseMode) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.byCheck[parentCheck]
	if !ok {
		return nil, &ErrUnresolved{CheckName: parentCheck}
	}
	src.History = SanitizeHistory(src.History)
	if mode == ReuseAppend {
		return src, nil
	}
	dup := &Session{
		ID:        r.register(),
		Provider:  src.Provider,
		Model:     src.Model,
		History:   append([]Message(nil), src.History...),
		CreatedAt: time.Now(),
	}
	return dup, nil
}

var retryMarkers = []func(string) bool{
	func(s string) bool { return strings.Contains(s, "CRITICAL JSON ERROR") },
	func(s string) bool { return strings.Contains(s, "Your previous response was not valid JSON") },
	func(s string) bool {
		return strings.Contains(s, "URGENT") && strings.Contains(s, "JSON PARSING FAILED")
	},
	func(s string) bool {
		return strings.Contains(s, "You returned a JSON schema definition instead of data")
	},
}

func isRetryPrompt(content string) bool {
	for _, match := range retryMarkers {
		if match(content) {
			return true
		}
	}
	return false
}

// SanitizeHistory removes format-correction noise so a reused conversation
// does not bias the next check toward the previous check's output schema:
// validation-retry user prompts (and the assistant reply that followed each)
// are dropped, and the trailing structured payload is stripped from the
// final assistant message.
func SanitizeHistory(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg.Role == "user" && isRetryPrompt(msg.Content) {
			if i+1 < len(history) && history[i+1].Role == "assistant" {
				i++
			}
			continue
		}
		out = append(out, msg)
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != "assistant" {
			continue
		}
		out[i].Content = stripTrailingJSON(out[i].Content)
		break
	}
	return out
}

// stripTrailingJSON removes a trailing fenced ```json block, or a bare
// well-formed JSON object/array at the end of the text. Prose before the
// payload is preserved.
func stripTrailingJSON(content string) string {
	trimmed := strings.TrimRight(content, " \t\n")

	if strings.HasSuffix(trimmed, "```") {
		body := trimmed[:len(trimmed)-3]
		if idx := strings.LastIndex(body, "```json"); idx >= 0 {
			return strings.TrimRight(trimmed[:idx], " \t\n")
		}
	}

	last := len(trimmed) - 1
	if last < 0 {
		return content
	}
	var open, close byte
	switch trimmed[last] {
	case '}':
		open, close = '{', '}'
	case ']':
		open, close = '[', ']'
	default:
		return content
	}
	depth := 0
	inString := false
	for i := last; i >= 0; i-- {
		c := trimmed[i]
		if inString {
			if c == '"' && (i == 0 || trimmed[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case close:
			depth++
		case open:
			depth--
			if depth == 0 {
				return strings.TrimRight(trimmed[:i], " \t\n")
			}
		}
	}
	return content
}
