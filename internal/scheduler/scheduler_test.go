package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lecturerd/lecturerd/internal/analysis"
	"github.com/lecturerd/lecturerd/internal/store"
	"github.com/lecturerd/lecturerd/internal/termcache"
	"github.com/lecturerd/lecturerd/internal/transcript"
)

type fakeAnalyzer struct {
	mu            sync.Mutex
	analyzeFn     func(ctx context.Context, transcript string) (analysis.Analysis, error)
	defineBatch   []analysis.CardInput
	deepResearch  analysis.CardInput
	deepResearchOK bool
	analyzeCalls  int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, transcript string) (analysis.Analysis, error) {
	f.mu.Lock()
	f.analyzeCalls++
	f.mu.Unlock()
	return f.analyzeFn(ctx, transcript)
}

func (f *fakeAnalyzer) DefineBatch(ctx context.Context, terms []analysis.Term, contextTail string) []analysis.CardInput {
	return f.defineBatch
}

func (f *fakeAnalyzer) DeepResearch(ctx context.Context, topic string, context string) (analysis.CardInput, bool, error) {
	return f.deepResearch, f.deepResearchOK, nil
}

func (f *fakeAnalyzer) Summarize(ctx context.Context, transcript string) (string, bool, error) {
	return "", false, nil
}

type fakeStore struct {
	mu        sync.Mutex
	cards     []store.Card
	takeaways []store.Takeaway
	summaries []string
}

func (f *fakeStore) InsertCard(ctx context.Context, c store.Card) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = "card-id"
	f.cards = append(f.cards, c)
	return c, nil
}

func (f *fakeStore) InsertTakeaway(ctx context.Context, t store.Takeaway) (store.Takeaway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = "takeaway-id"
	f.takeaways = append(f.takeaways, t)
	return t, nil
}

func (f *fakeStore) UpdateSummary(ctx context.Context, lectureID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

func newTestScheduler(t *testing.T, analyzer *fakeAnalyzer, st *fakeStore, now *time.Time) (*Scheduler, chan Utterance, chan Event) {
	t.Helper()
	utterances := make(chan Utterance, 16)
	events := make(chan Event, 16)

	s := New(Config{
		LectureID:  "lecture-1",
		Analyzer:   analyzer,
		Store:      st,
		TermCache:  termcache.New(0),
		Transcript: transcript.New(),
		Utterances: utterances,
		Events:     events,
		Now:        func() time.Time { return *now },
	})
	return s, utterances, events
}

func TestPipelineEmitsTopicTakeawaySummaryCard(t *testing.T) {
	now := time.Now()
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, transcript string) (analysis.Analysis, error) {
			return analysis.Analysis{
				Terms:         []analysis.Term{{Term: "eigenvalue", Type: "concept"}},
				Topic:         "linear algebra",
				EmphasisLevel: 0.3,
				Takeaway:      "eigenvalues matter",
				Summary:       "a short summary",
			}, nil
		},
		defineBatch: []analysis.CardInput{{Term: "eigenvalue", Content: "a definition", Badge: "concept"}},
	}
	st := &fakeStore{}
	s, utterances, events := newTestScheduler(t, analyzer, st, &now)

	s.Start(context.Background())
	defer s.Stop()

	utterances <- Utterance{Text: "we discussed eigenvalues", TSSeconds: 1}

	// Advance the clock past MinPipelineInterval and let the 1s ticker fire.
	now = now.Add(MinPipelineInterval + time.Second)

	var got []EventKind
	deadline := time.After(3 * time.Second)
	for len(got) < 4 {
		select {
		case ev := <-events:
			got = append(got, ev.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v so far", got)
		}
	}

	want := []EventKind{EventTopicUpdate, EventNewTakeaway, EventSummaryUpdate, EventNewCard}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], k, got)
		}
	}
}

func TestDefineNewTermsSkipsAlreadyCached(t *testing.T) {
	now := time.Now()
	analyzer := &fakeAnalyzer{}
	st := &fakeStore{}
	s, _, _ := newTestScheduler(t, analyzer, st, &now)

	s.cfg.TermCache.Put("eigenvalue", termcache.Record{Term: "eigenvalue", Content: "known"})

	s.defineNewTerms(context.Background(), []analysis.Term{{Term: "Eigenvalue", Type: "concept"}}, "ctx", 5)

	if len(st.cards) != 0 {
		t.Fatalf("expected no cards inserted for an already-cached term, got %d", len(st.cards))
	}
}

func TestRetryPreservesCombinedOnFailure(t *testing.T) {
	now := time.Now()
	var seen []string
	failOnce := true
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, transcript string) (analysis.Analysis, error) {
			seen = append(seen, transcript)
			if failOnce {
				failOnce = false
				return analysis.Analysis{}, errors.New("transient upstream failure")
			}
			return analysis.Analysis{}, nil
		},
	}
	st := &fakeStore{}
	s, utterances, _ := newTestScheduler(t, analyzer, st, &now)

	s.Start(context.Background())
	defer s.Stop()

	utterances <- Utterance{Text: "first attempt content", TSSeconds: 1}
	now = now.Add(MinPipelineInterval + time.Second)
	time.Sleep(1200 * time.Millisecond) // let the ticker drive the failing attempt

	now = now.Add(RetryBackoff + time.Second)
	time.Sleep(1200 * time.Millisecond) // let the ticker drive the retry

	if len(seen) < 2 {
		t.Fatalf("expected at least 2 analyze calls, got %d: %v", len(seen), seen)
	}
	if seen[1] != "first attempt content" {
		t.Fatalf("retry combined = %q, want the original failed content preserved", seen[1])
	}
}

func TestPickDeepResearchCandidatePrefersHighEmphasisTopic(t *testing.T) {
	now := time.Now()
	s, _, _ := newTestScheduler(t, &fakeAnalyzer{}, &fakeStore{}, &now)

	result := analysis.Analysis{
		Topic:         "quantum entanglement",
		EmphasisLevel: 0.9,
		Terms:         []analysis.Term{{Term: "short"}, {Term: "a much longer term"}},
	}

	got, ok := s.pickDeepResearchCandidate(result)
	if !ok || got != "quantum entanglement" {
		t.Fatalf("got %q, %v; want topic to win on high emphasis", got, ok)
	}
}

func TestPickDeepResearchCandidateFallsBackToLongestTerm(t *testing.T) {
	now := time.Now()
	s, _, _ := newTestScheduler(t, &fakeAnalyzer{}, &fakeStore{}, &now)

	result := analysis.Analysis{
		Topic:         "quantum entanglement",
		EmphasisLevel: 0.1, // below threshold, topic not a candidate
		Terms:         []analysis.Term{{Term: "short"}, {Term: "a much longer term"}},
	}

	got, ok := s.pickDeepResearchCandidate(result)
	if !ok || got != "a much longer term" {
		t.Fatalf("got %q, %v; want the longest term", got, ok)
	}
}

func TestPickDeepResearchCandidateSkipsAlreadyResearched(t *testing.T) {
	now := time.Now()
	s, _, _ := newTestScheduler(t, &fakeAnalyzer{}, &fakeStore{}, &now)
	s.researched[termcache.Normalize("a much longer term")] = struct{}{}

	result := analysis.Analysis{
		Terms: []analysis.Term{{Term: "a much longer term"}, {Term: "short"}},
	}

	got, ok := s.pickDeepResearchCandidate(result)
	if !ok || got != "short" {
		t.Fatalf("got %q, %v; want the next candidate once the longest is already researched", got, ok)
	}
}
