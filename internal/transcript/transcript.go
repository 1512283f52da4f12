// Package transcript implements the rolling transcript buffer attached to a
// session: an ordered concatenation of final utterances, an elapsed-time
// clock, and context-tail queries used to disambiguate LLM prompts.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Store holds the single-writer, multi-reader rolling transcript for one
// session. The zero value is not usable; construct with [New]. Safe for
// concurrent use — writes come from the STT receiver task, reads come from
// the scheduler and end-session finalization.
type Store struct {
	mu        sync.Mutex
	b         strings.Builder
	startedAt time.Time
}

// New creates a Store whose elapsed clock starts now.
func New() *Store {
	return &Store{startedAt: time.Now()}
}

// Append adds a finalized utterance to the rolling transcript, whitespace-
// joining it onto whatever text already exists.
func (s *Store) Append(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b.Len() > 0 {
		s.b.WriteByte(' ')
	}
	s.b.WriteString(text)
}

// FullTranscript returns the complete rolling transcript at the time of the
// call.
func (s *Store) FullTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// ElapsedSeconds returns the floor of the time elapsed since the Store was
// created.
func (s *Store) ElapsedSeconds() int {
	return int(time.Since(s.startedAt).Seconds())
}

// ContextTail returns the last n runes of the rolling transcript. Rune
// boundaries are respected so multi-byte UTF-8 content is never split.
func (s *Store) ContextTail(n int) string {
	if n <= 0 {
		return ""
	}
	s.mu.Lock()
	full := s.b.String()
	s.mu.Unlock()

	r := []rune(full)
	if len(r) <= n {
		return full
	}
	return string(r[len(r)-n:])
}
