// Package analysis implements the analysis adapter: it wraps an
// llm.Provider and presents four pure, structured operations over plain
// strings — analyze, define_batch, deep_research, summarize — so that
// callers never see raw model text or manage prompting themselves.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lecturerd/lecturerd/pkg/provider/llm"
	"github.com/lecturerd/lecturerd/pkg/types"
)

const (
	analyzeTruncateChars   = 1500
	summarizeTruncateChars = 4000
	deepResearchContextCap = 400

	defaultCallTimeout = 12 * time.Second
)

// Term is a candidate term surfaced by Analyze, with its declared kind.
type Term struct {
	Term string
	Type string // concept, person, event
}

// Analysis is the structured result of a single analyze call.
type Analysis struct {
	Terms        []Term
	Topic        string // empty if absent
	EmphasisLevel float64
	Takeaway     string // empty if absent
	Summary      string // empty if absent
}

// Citation is a normalized reference attached to a deep-research card.
type Citation struct {
	Title  string
	URL    string
	Domain string
}

// CardInput is the structured output of define_batch and deep_research,
// ready to be persisted as a Card by the caller.
type CardInput struct {
	Term      string
	Content   string
	Citations []Citation
	Badge     string // concept, person, event, research
}

// Adapter wraps an llm.Provider with the four analysis operations.
type Adapter struct {
	provider    llm.Provider
	model       string
	callTimeout time.Duration
}

// New creates an Adapter. callTimeout bounds every upstream call and
// defaults to 12s when zero or negative.
func New(provider llm.Provider, callTimeout time.Duration) *Adapter {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Adapter{provider: provider, callTimeout: callTimeout}
}

var (
	// ErrEmptyTranscript is returned when Analyze is called with an empty or
	// whitespace-only transcript. (Summarize reports ok=false instead.)
	ErrEmptyTranscript = errors.New("analysis: transcript is empty")
	// errInvalidSchema marks a parsed response that failed validation; always
	// wrapped, never returned bare.
	errInvalidSchema = errors.New("analysis: response failed schema validation")
)

type analyzeResponse struct {
	Terms []struct {
		Term string `json:"term"`
		Type string `json:"type"`
	} `json:"terms"`
	Topic         *string  `json:"topic"`
	EmphasisLevel *float64 `json:"emphasis_level"`
	Takeaway      *string  `json:"takeaway"`
	Summary       *string  `json:"summary"`
}

// Analyze extracts topic, key terms, takeaway, and a segment summary from the
// tail of transcript. Fails with a transient error on any upstream or parse
// failure; the caller is expected to retry.
func (a *Adapter) Analyze(ctx context.Context, transcript string) (Analysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return Analysis{}, ErrEmptyTranscript
	}

	prompt := analyzePrompt(tail(transcript, analyzeTruncateChars))

	raw, err := a.complete(ctx, prompt, 512)
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis: analyze: %w", err)
	}

	var resp analyzeResponse
	if err := json.Unmarshal(stripFences(raw), &resp); err != nil {
		return Analysis{}, fmt.Errorf("analysis: analyze: %w: %w", errInvalidSchema, err)
	}

	emphasis := 0.5
	if resp.EmphasisLevel != nil {
		emphasis = *resp.EmphasisLevel
	}
	if emphasis < 0 || emphasis > 1 {
		return Analysis{}, fmt.Errorf("analysis: analyze: %w: emphasis_level %v out of range", errInvalidSchema, emphasis)
	}

	out := Analysis{EmphasisLevel: emphasis}
	for _, t := range resp.Terms {
		term := strings.TrimSpace(t.Term)
		if term == "" {
			return Analysis{}, fmt.Errorf("analysis: analyze: %w: empty term", errInvalidSchema)
		}
		if !validTermType(t.Type) {
			return Analysis{}, fmt.Errorf("analysis: analyze: %w: term type %q", errInvalidSchema, t.Type)
		}
		out.Terms = append(out.Terms, Term{Term: term, Type: t.Type})
	}
	if resp.Topic != nil {
		out.Topic = strings.TrimSpace(*resp.Topic)
	}
	if resp.Takeaway != nil {
		out.Takeaway = strings.TrimSpace(*resp.Takeaway)
	}
	if resp.Summary != nil {
		out.Summary = strings.TrimSpace(*resp.Summary)
	}

	return out, nil
}

// DefineBatch runs one definition call per term concurrently, drops failures,
// and returns only the successful records. The badge on each result is
// derived from the corresponding input term's declared type.
func (a *Adapter) DefineBatch(ctx context.Context, terms []Term, contextTail string) []CardInput {
	if len(terms) == 0 {
		return nil
	}

	results := make([]*CardInput, len(terms))
	g, gctx := errgroup.WithContext(ctx)

	for i, term := range terms {
		i, term := i, term
		g.Go(func() error {
			card, err := a.define(gctx, term, contextTail)
			if err != nil {
				return nil // dropped; define_batch returns successes only
			}
			results[i] = card
			return nil
		})
	}
	_ = g.Wait() // define() never returns a non-nil error to Go(), so this never fails the group

	out := make([]CardInput, 0, len(terms))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (a *Adapter) define(ctx context.Context, term Term, contextTail string) (*CardInput, error) {
	prompt := definePrompt(term.Term, tail(contextTail, 200))

	raw, err := a.complete(ctx, prompt, 256)
	if err != nil {
		return nil, fmt.Errorf("analysis: define %q: %w", term.Term, err)
	}
	content := strings.TrimSpace(raw)
	if content == "" {
		return nil, fmt.Errorf("analysis: define %q: %w: empty content", term.Term, errInvalidSchema)
	}

	return &CardInput{
		Term:    term.Term,
		Content: content,
		Badge:   badgeForTermType(term.Type),
	}, nil
}

type deepResearchResponse struct {
	Content   string `json:"content"`
	Citations []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"citations"`
}

// DeepResearch produces a multi-paragraph explanation of topic, with any
// citations normalized to {title, url, domain}. Returns ok=false if the
// model produced no usable content.
func (a *Adapter) DeepResearch(ctx context.Context, topic string, context_ string) (CardInput, bool, error) {
	if strings.TrimSpace(topic) == "" {
		return CardInput{}, false, errors.New("analysis: deep research topic is empty")
	}

	prompt := deepResearchPrompt(topic, head(context_, deepResearchContextCap))

	raw, err := a.complete(ctx, prompt, 1024)
	if err != nil {
		return CardInput{}, false, fmt.Errorf("analysis: deep research %q: %w", topic, err)
	}

	content := strings.TrimSpace(raw)
	if content == "" {
		return CardInput{}, false, nil
	}

	card := CardInput{Term: topic, Content: content, Badge: "concept"}

	// The response may be a bare prose answer or a JSON envelope carrying
	// citations; try the structured form first and fall back to prose.
	if body := stripFences(raw); json.Valid(body) {
		var resp deepResearchResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Content != "" {
			card.Content = resp.Content
			for _, c := range resp.Citations {
				if c.URL == "" {
					continue
				}
				card.Citations = append(card.Citations, Citation{
					Title:  c.Title,
					URL:    c.URL,
					Domain: hostOf(c.URL),
				})
			}
		}
	}

	return card, true, nil
}

// Summarize produces a short rolling summary of the tail of transcript.
// Returns ok=false if the model produced no usable content.
func (a *Adapter) Summarize(ctx context.Context, transcript string) (string, bool, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", false, nil
	}

	prompt := summarizePrompt(tail(transcript, summarizeTruncateChars))

	raw, err := a.complete(ctx, prompt, 256)
	if err != nil {
		return "", false, fmt.Errorf("analysis: summarize: %w", err)
	}

	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", false, nil
	}
	return summary, true, nil
}

func (a *Adapter) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	resp, err := a.provider.Complete(cctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("analysis: empty completion response")
	}
	return resp.Content, nil
}

func validTermType(t string) bool {
	switch t {
	case "concept", "person", "event":
		return true
	default:
		return false
	}
}

func badgeForTermType(t string) string {
	switch t {
	case "person", "event":
		return t
	default:
		return "concept"
	}
}

// tail returns the last n runes of s, rune-safe.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// head returns the first n runes of s, rune-safe. Mirrors the upstream deep
// research services' context[:n] truncation, which keeps the context's
// opening rather than its most recent tail.
func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// stripFences removes a leading/trailing Markdown code fence (```json ... ```
// or ``` ... ```), mirroring the upstream service's regex-based strip.
func stripFences(s string) []byte {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t, _ = strings.CutSuffix(t, "```")
	return []byte(strings.TrimSpace(t))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
