package analysis

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/lecturerd/lecturerd/pkg/provider/llm"
	"github.com/lecturerd/lecturerd/pkg/provider/llm/mock"
	"github.com/lecturerd/lecturerd/pkg/types"
)

func TestAnalyzeParsesFencedJSON(t *testing.T) {
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n" +
			`{"terms":[{"term":"eigenvalue","type":"concept"}],"topic":"linear algebra","emphasis_level":0.8,"takeaway":"eigenvalues matter","summary":"discussed eigenvalues"}` +
			"\n```"},
	}
	a := New(provider, 0)

	got, err := a.Analyze(context.Background(), "we were just talking about eigenvalues")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Topic != "linear algebra" {
		t.Fatalf("Topic = %q", got.Topic)
	}
	if got.EmphasisLevel != 0.8 {
		t.Fatalf("EmphasisLevel = %v", got.EmphasisLevel)
	}
	if len(got.Terms) != 1 || got.Terms[0].Term != "eigenvalue" {
		t.Fatalf("Terms = %+v", got.Terms)
	}
	if got.Takeaway != "eigenvalues matter" {
		t.Fatalf("Takeaway = %q", got.Takeaway)
	}
}

func TestAnalyzeRejectsOutOfRangeEmphasis(t *testing.T) {
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"terms":[],"emphasis_level":1.5}`},
	}
	a := New(provider, 0)

	_, err := a.Analyze(context.Background(), "some transcript")
	if err == nil {
		t.Fatal("expected error for out-of-range emphasis_level")
	}
}

func TestAnalyzeEmptyTranscript(t *testing.T) {
	a := New(&mock.Provider{}, 0)
	_, err := a.Analyze(context.Background(), "   ")
	if err != ErrEmptyTranscript {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestDefineBatchDropsFailuresAndKeepsSuccesses(t *testing.T) {
	provider := &failingTermProvider{failTerm: "beta"}
	a := New(provider, 0)

	terms := []Term{
		{Term: "alpha", Type: "concept"},
		{Term: "beta", Type: "person"},
	}
	cards := a.DefineBatch(context.Background(), terms, "context")

	if len(cards) != 1 {
		t.Fatalf("len(cards) = %d, want 1", len(cards))
	}
}

func TestDeepResearchNormalizesCitations(t *testing.T) {
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"content":"a thorough explanation","citations":[{"title":"Wikipedia","url":"https://en.wikipedia.org/wiki/Eigenvalue"}]}`},
	}
	a := New(provider, 0)

	card, ok, err := a.DeepResearch(context.Background(), "eigenvalue", "linear algebra context")
	if err != nil {
		t.Fatalf("DeepResearch: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(card.Citations) != 1 || card.Citations[0].Domain != "en.wikipedia.org" {
		t.Fatalf("Citations = %+v", card.Citations)
	}
}

func TestSummarizeEmptyReturnsNotOK(t *testing.T) {
	a := New(&mock.Provider{}, 0)
	_, ok, err := a.Summarize(context.Background(), "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for empty transcript")
	}
}

// failingTermProvider fails every completion whose prompt mentions failTerm,
// to exercise DefineBatch's drop-on-failure behavior under concurrent calls.
type failingTermProvider struct {
	mu       sync.Mutex
	failTerm string
}

func (p *failingTermProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	failTerm := p.failTerm
	p.mu.Unlock()

	if strings.Contains(req.Messages[0].Content, failTerm) {
		return nil, errTest
	}
	return &llm.CompletionResponse{Content: "a definition"}, nil
}

func (p *failingTermProvider) CountTokens([]types.Message) (int, error) { return 0, nil }

func (p *failingTermProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

type testErr struct{}

func (*testErr) Error() string { return "injected failure" }

var errTest error = &testErr{}
