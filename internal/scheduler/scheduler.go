// Package scheduler implements the per-session pipeline scheduler: the loop
// that buffers finalized utterances, decides when to run the analysis
// pipeline, and drives term definition, takeaway/summary persistence, and
// throttled deep research.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lecturerd/lecturerd/internal/analysis"
	"github.com/lecturerd/lecturerd/internal/observe"
	"github.com/lecturerd/lecturerd/internal/store"
	"github.com/lecturerd/lecturerd/internal/termcache"
	"github.com/lecturerd/lecturerd/internal/transcript"
)

// Tunable timing constants, as specified for the pipeline scheduler.
const (
	MinPipelineInterval   = 20 * time.Second
	RetryBackoff          = 20 * time.Second
	DeepResearchInterval  = 30 * time.Second
	EmphasisThresholdForDR = 0.6
)

// contextTailChars is the width of the transcript snapshot taken at the
// start of each pipeline invocation and passed to define_batch/deep_research.
const contextTailChars = 500

// fallbackContextChars is the width of the transcript tail used to compose
// combined when the utterance buffer is empty but a retry is due.
const fallbackContextChars = 300

// Utterance is a single finalized transcript segment handed to the
// scheduler by the STT client.
type Utterance struct {
	Text      string
	Speaker   string
	TSSeconds int
}

// EventKind identifies the shape of an Event's populated fields.
type EventKind string

const (
	EventTopicUpdate        EventKind = "topic_update"
	EventNewTakeaway        EventKind = "new_takeaway"
	EventSummaryUpdate      EventKind = "summary_update"
	EventNewCard            EventKind = "new_card"
	EventDeepResearchStart  EventKind = "deep_research_start"
	EventDeepResearchResult EventKind = "deep_research_result"
)

// Event is a single pipeline output, destined for the session's outbound
// sink. Only the fields relevant to Kind are populated.
type Event struct {
	Kind          EventKind
	Topic         string
	EmphasisLevel float64
	Takeaway      store.Takeaway
	Summary       string
	Card          store.Card
	SelectedText  string
}

// Analyzer is the subset of the analysis adapter the scheduler depends on.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (analysis.Analysis, error)
	DefineBatch(ctx context.Context, terms []analysis.Term, contextTail string) []analysis.CardInput
	DeepResearch(ctx context.Context, topic string, context string) (analysis.CardInput, bool, error)
	Summarize(ctx context.Context, transcript string) (string, bool, error)
}

// ArtifactStore is the subset of the artifact store the scheduler depends
// on.
type ArtifactStore interface {
	InsertCard(ctx context.Context, c store.Card) (store.Card, error)
	InsertTakeaway(ctx context.Context, t store.Takeaway) (store.Takeaway, error)
	UpdateSummary(ctx context.Context, lectureID, summary string) error
}

// Config configures a Scheduler.
type Config struct {
	LectureID  string
	Analyzer   Analyzer
	Store      ArtifactStore
	TermCache  *termcache.Cache
	Transcript *transcript.Store
	Utterances <-chan Utterance
	Events     chan<- Event

	// Metrics receives pipeline instrumentation. Nil disables recording.
	Metrics *observe.Metrics

	// Now returns the current instant; defaults to time.Now. Overridable so
	// tests can control trigger timing deterministically.
	Now func() time.Time
}

// Scheduler runs the per-session pipeline loop. One Scheduler exists per
// active lecture session; it runs concurrently with the STT client and the
// session controller.
type Scheduler struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	buffer           []string
	lastProcessTime  time.Time
	lastPipelineTime time.Time
	retryPending     bool
	retryAfter       time.Time
	// pendingCombined holds the combined text of the most recent failed
	// pipeline invocation, so a retry reprocesses what actually failed
	// (merged with anything buffered since) instead of silently
	// substituting a disconnected context-tail snapshot.
	pendingCombined  string
	lastDeepResearch time.Time
	researched       map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin the main loop.
func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		now:        now,
		researched: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the main loop in a background goroutine. It runs until ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the main loop and waits for it to exit. Safe to call more than
// once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// DeepResearchNow runs a user-triggered, one-shot deep research job for
// selectedText. It runs independently of the scheduled throttling state:
// it does not read or update last_deep_research_time or the researched set.
func (s *Scheduler) DeepResearchNow(ctx context.Context, selectedText string) {
	s.emit(Event{Kind: EventDeepResearchStart, SelectedText: selectedText})

	contextTail := s.cfg.Transcript.ContextTail(contextTailChars)
	drStart := s.now()
	card, ok, err := s.cfg.Analyzer.DeepResearch(ctx, selectedText, contextTail)
	if s.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.cfg.Metrics.RecordLLMCall(ctx, "deep_research", status, s.now().Sub(drStart).Seconds())
	}
	if err != nil || !ok {
		if err != nil {
			slog.Warn("user-triggered deep research failed",
				"lecture_id", s.cfg.LectureID, "selected_text", selectedText, "error", err)
		}
		return
	}

	persisted, err := s.persistDeepResearchCard(ctx, card)
	if err != nil {
		slog.Warn("user-triggered deep research persist failed",
			"lecture_id", s.cfg.LectureID, "error", err)
		return
	}

	s.emit(Event{Kind: EventDeepResearchResult, Card: persisted})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case u, ok := <-s.cfg.Utterances:
			if !ok {
				s.cfg.Utterances = nil
				continue
			}
			s.mu.Lock()
			s.buffer = append(s.buffer, u.Text)
			s.mu.Unlock()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates the normal and retry triggers and runs the pipeline if
// either fires.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	normalTrigger := len(s.buffer) > 0 &&
		now.Sub(s.lastProcessTime) >= MinPipelineInterval &&
		now.Sub(s.lastPipelineTime) >= MinPipelineInterval
	retryTrigger := s.retryPending && !now.Before(s.retryAfter)

	if !normalTrigger && !retryTrigger {
		s.mu.Unlock()
		return
	}

	bufText := strings.Join(s.buffer, " ")

	var combined string
	switch {
	case s.pendingCombined != "":
		combined = strings.TrimSpace(s.pendingCombined + " " + bufText)
	case bufText != "":
		combined = bufText
	default:
		combined = s.cfg.Transcript.ContextTail(fallbackContextChars)
	}

	s.buffer = nil
	s.pendingCombined = ""
	s.lastProcessTime = now
	s.lastPipelineTime = now
	s.mu.Unlock()

	start := s.now()
	err := s.runPipeline(ctx, combined)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PipelineDuration.Record(ctx, s.now().Sub(start).Seconds())
	}
	if err != nil {
		slog.Warn("pipeline invocation failed, scheduling retry",
			"lecture_id", s.cfg.LectureID, "error", err)
		s.mu.Lock()
		s.retryPending = true
		s.retryAfter = s.now().Add(RetryBackoff)
		s.pendingCombined = combined
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PipelineRetries.Add(ctx, 1)
		}
		return
	}

	s.mu.Lock()
	s.retryPending = false
	s.mu.Unlock()
}

// runPipeline executes one full pipeline invocation over combined, emitting
// events in the order: topic_update, new_takeaway, summary_update, new_card
// (one per defined term), then at most one deep-research event.
func (s *Scheduler) runPipeline(ctx context.Context, combined string) error {
	analyzeStart := s.now()
	result, err := s.cfg.Analyzer.Analyze(ctx, combined)
	if s.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.cfg.Metrics.RecordLLMCall(ctx, "analyze", status, s.now().Sub(analyzeStart).Seconds())
	}
	if err != nil {
		return fmt.Errorf("scheduler: analyze: %w", err)
	}

	ts := s.cfg.Transcript.ElapsedSeconds()
	contextTail := s.cfg.Transcript.ContextTail(contextTailChars)

	if result.Topic != "" {
		s.emit(Event{Kind: EventTopicUpdate, Topic: result.Topic, EmphasisLevel: result.EmphasisLevel})
	}

	if result.Takeaway != "" {
		persisted, err := s.cfg.Store.InsertTakeaway(ctx, store.Takeaway{
			LectureID: s.cfg.LectureID,
			Text:      result.Takeaway,
			TSSeconds: ts,
		})
		if err != nil {
			slog.Warn("takeaway persist failed", "lecture_id", s.cfg.LectureID, "error", err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordArtifactStoreError(ctx, "insert_takeaway")
			}
		} else {
			s.emit(Event{Kind: EventNewTakeaway, Takeaway: persisted})
		}
	}

	if result.Summary != "" {
		if err := s.cfg.Store.UpdateSummary(ctx, s.cfg.LectureID, result.Summary); err != nil {
			slog.Warn("summary persist failed", "lecture_id", s.cfg.LectureID, "error", err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordArtifactStoreError(ctx, "update_summary")
			}
		} else {
			s.emit(Event{Kind: EventSummaryUpdate, Summary: result.Summary})
		}
	}

	if len(result.Terms) > 0 {
		s.defineNewTerms(ctx, result.Terms, contextTail, ts)
	}

	s.maybeDeepResearch(ctx, result, contextTail)

	return nil
}

func (s *Scheduler) defineNewTerms(ctx context.Context, terms []analysis.Term, contextTail string, ts int) {
	plain := make([]string, len(terms))
	for i, t := range terms {
		plain[i] = t.Term
	}
	newPlain := s.cfg.TermCache.FilterNew(plain)
	if s.cfg.Metrics != nil {
		newSet := make(map[string]struct{}, len(newPlain))
		for _, t := range newPlain {
			newSet[termcache.Normalize(t)] = struct{}{}
		}
		for _, t := range plain {
			_, isNew := newSet[termcache.Normalize(t)]
			s.cfg.Metrics.RecordTermCacheLookup(ctx, !isNew)
		}
	}

	allowed := make(map[string]struct{}, len(newPlain))
	for _, t := range newPlain {
		allowed[termcache.Normalize(t)] = struct{}{}
	}

	var newTerms []analysis.Term
	for _, t := range terms {
		if _, ok := allowed[termcache.Normalize(t.Term)]; ok {
			newTerms = append(newTerms, t)
		}
	}
	if len(newTerms) == 0 {
		return
	}

	defineStart := s.now()
	cards := s.cfg.Analyzer.DefineBatch(ctx, newTerms, contextTail)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordLLMCall(ctx, "define_batch", "ok", s.now().Sub(defineStart).Seconds())
	}
	for _, c := range cards {
		persisted, err := s.cfg.Store.InsertCard(ctx, store.Card{
			LectureID: s.cfg.LectureID,
			Kind:      store.CardKindAutoDefine,
			Term:      c.Term,
			Content:   c.Content,
			Citations: toStoreCitations(c.Citations),
			Badge:     c.Badge,
			TSSeconds: ts,
		})
		if err != nil {
			slog.Warn("card persist failed", "lecture_id", s.cfg.LectureID, "term", c.Term, "error", err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordArtifactStoreError(ctx, "insert_card")
			}
			continue
		}
		s.cfg.TermCache.Put(c.Term, termcache.Record{Term: c.Term, Content: c.Content, Badge: c.Badge})
		s.emit(Event{Kind: EventNewCard, Card: persisted})
	}
}

func (s *Scheduler) maybeDeepResearch(ctx context.Context, result analysis.Analysis, contextTail string) {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastDeepResearch) < DeepResearchInterval {
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordDeepResearchSkip(ctx, "throttled")
		}
		return
	}

	candidate, ok := s.pickDeepResearchCandidate(result)
	if !ok {
		s.mu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordDeepResearchSkip(ctx, "duplicate")
		}
		return
	}
	s.lastDeepResearch = now
	s.researched[termcache.Normalize(candidate)] = struct{}{}
	s.mu.Unlock()

	drStart := s.now()
	card, ok, err := s.cfg.Analyzer.DeepResearch(ctx, candidate, contextTail)
	if s.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.cfg.Metrics.RecordLLMCall(ctx, "deep_research", status, s.now().Sub(drStart).Seconds())
	}
	if err != nil {
		slog.Warn("deep research failed", "lecture_id", s.cfg.LectureID, "candidate", candidate, "error", err)
		return
	}
	if !ok {
		return
	}

	persisted, err := s.persistDeepResearchCard(ctx, card)
	if err != nil {
		slog.Warn("deep research persist failed", "lecture_id", s.cfg.LectureID, "error", err)
		return
	}

	s.emit(Event{Kind: EventDeepResearchResult, Card: persisted})
}

// pickDeepResearchCandidate must be called with s.mu held. It builds the
// candidate priority order — topic first if emphasis exceeds the
// threshold, then terms by decreasing length — and picks the first whose
// normalized form is not already in researched.
func (s *Scheduler) pickDeepResearchCandidate(result analysis.Analysis) (string, bool) {
	var candidates []string
	if result.Topic != "" && result.EmphasisLevel > EmphasisThresholdForDR {
		candidates = append(candidates, result.Topic)
	}

	terms := make([]string, len(result.Terms))
	for i, t := range result.Terms {
		terms[i] = t.Term
	}
	sortByDecreasingLength(terms)
	candidates = append(candidates, terms...)

	for _, c := range candidates {
		if _, seen := s.researched[termcache.Normalize(c)]; !seen {
			return c, true
		}
	}
	return "", false
}

func (s *Scheduler) persistDeepResearchCard(ctx context.Context, c analysis.CardInput) (store.Card, error) {
	badge := c.Badge
	if badge == "" {
		badge = store.BadgeConcept
	}
	return s.cfg.Store.InsertCard(ctx, store.Card{
		LectureID: s.cfg.LectureID,
		Kind:      store.CardKindDeepResearch,
		Term:      c.Term,
		Content:   c.Content,
		Citations: toStoreCitations(c.Citations),
		Badge:     badge,
		TSSeconds: s.cfg.Transcript.ElapsedSeconds(),
	})
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.cfg.Events <- ev:
	case <-s.done:
	}
}

func toStoreCitations(cs []analysis.Citation) []store.Citation {
	if len(cs) == 0 {
		return nil
	}
	out := make([]store.Citation, len(cs))
	for i, c := range cs {
		out[i] = store.Citation{Title: c.Title, URL: c.URL, Domain: c.Domain}
	}
	return out
}

// sortByDecreasingLength sorts terms in place, longest first. Insertion
// sort is sufficient: the term lists this sees are a handful of entries
// per pipeline invocation.
func sortByDecreasingLength(terms []string) {
	for i := 1; i < len(terms); i++ {
		for j := i; j > 0 && len(terms[j]) > len(terms[j-1]); j-- {
			terms[j], terms[j-1] = terms[j-1], terms[j]
		}
	}
}
