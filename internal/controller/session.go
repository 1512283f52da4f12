package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lecturerd/lecturerd/internal/observe"
	"github.com/lecturerd/lecturerd/internal/scheduler"
	"github.com/lecturerd/lecturerd/internal/store"
	"github.com/lecturerd/lecturerd/internal/sttclient"
	"github.com/lecturerd/lecturerd/internal/termcache"
	"github.com/lecturerd/lecturerd/internal/transcript"
)

// defaultOutboundQueueSize bounds the per-session outbound queue. On
// overflow the session is closed with a logged error.
const defaultOutboundQueueSize = 256

// transcriptSaveInterval is the periodic transcript-saver task cadence.
const transcriptSaveInterval = 3 * time.Second

// ArtifactStore is the subset of the artifact store the controller depends
// on directly, beyond what the scheduler already requires.
type ArtifactStore interface {
	scheduler.ArtifactStore
	GetLecture(ctx context.Context, id string) (store.Lecture, error)
	SetStatus(ctx context.Context, lectureID, status string) error
	UpdateTranscript(ctx context.Context, lectureID, transcript string, durationS int) error
	FinalizeLecture(ctx context.Context, lectureID, transcript string, summary *string, durationS int) error
}

// inboundMessage is the JSON shape of a client text frame.
type inboundMessage struct {
	Type         string `json:"type"`
	SelectedText string `json:"selected_text"`
	Context      string `json:"context"`
}

// wireMessage is the JSON shape of every outbound text frame: a type
// discriminator plus whichever payload fields that type uses. Pointer
// fields distinguish "absent" from a meaningful zero value (timestamp 0,
// emphasis 0.0).
type wireMessage struct {
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Speaker          string          `json:"speaker,omitempty"`
	TimestampSeconds *int            `json:"timestamp_seconds,omitempty"`
	Card             *store.Card     `json:"card,omitempty"`
	SelectedText     string          `json:"selected_text,omitempty"`
	Takeaway         *store.Takeaway `json:"takeaway,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Topic            string          `json:"topic,omitempty"`
	EmphasisLevel    *float64        `json:"emphasis_level,omitempty"`
}

// Session is the in-memory runtime for one active lecture: the term cache,
// transcript buffer, STT client, and pipeline scheduler wired to one client
// WebSocket.
type Session struct {
	lectureID string
	conn      *websocket.Conn
	store     ArtifactStore
	metrics   *observe.Metrics

	termCache  *termcache.Cache
	transcript *transcript.Store
	stt        *sttclient.Client
	sched      *scheduler.Scheduler
	analyzer   scheduler.Analyzer

	uttCh chan scheduler.Utterance
	evCh  chan scheduler.Event

	outbound  chan wireMessage
	done      chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

// newSession constructs a Session and starts its STT connection. ctx bounds
// only the STT dial; the session's own lifetime is governed by Run.
func newSession(ctx context.Context, lectureID string, conn *websocket.Conn, deps Deps) (*Session, error) {
	tr := transcript.New()
	tc := termcache.New(deps.TermCacheCapacity)

	client := sttclient.New(deps.STT, deps.STTConfig, tr)
	if err := client.Start(ctx, deps.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("controller: start stt: %w", err)
	}

	outboundSize := deps.OutboundQueueSize
	if outboundSize <= 0 {
		outboundSize = defaultOutboundQueueSize
	}

	s := &Session{
		lectureID:  lectureID,
		conn:       conn,
		store:      deps.Store,
		metrics:    deps.Metrics,
		termCache:  tc,
		transcript: tr,
		stt:        client,
		analyzer:   deps.Analyzer,
		uttCh:      make(chan scheduler.Utterance, 256),
		evCh:       make(chan scheduler.Event, 64),
		outbound:   make(chan wireMessage, outboundSize),
		done:       make(chan struct{}),
	}

	s.sched = scheduler.New(scheduler.Config{
		LectureID:  lectureID,
		Analyzer:   deps.Analyzer,
		Store:      deps.Store,
		TermCache:  tc,
		Transcript: tr,
		Utterances: s.uttCh,
		Events:     s.evCh,
		Metrics:    deps.Metrics,
	})

	return s, nil
}

// Run drives the session until the client disconnects, end_session is
// received, or the outbound queue overflows, then tears down every
// background task and finalizes the lecture on every path.
func (s *Session) Run(ctx context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.store.SetStatus(sessCtx, s.lectureID, store.StatusActive); err != nil {
		slog.Warn("controller: set lecture active failed", "lecture_id", s.lectureID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordArtifactStoreError(sessCtx, "set_status")
		}
	}

	s.sched.Start(sessCtx)

	s.wg.Add(4)
	go s.runOutboundSink(sessCtx)
	go s.runInterimDrain(sessCtx)
	go s.runEventDrain(sessCtx)
	go s.runTranscriptSaver(sessCtx)

	finalized := s.readLoop(sessCtx)

	cancel()
	s.sched.Stop()
	_ = s.stt.Stop()
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	// end_session already finalized the lecture (with its generated summary)
	// before emitting summary_update; only a bare disconnect, or an
	// end_session whose finalize failed, still needs a finalize here, with no
	// summary to write.
	if !finalized {
		_ = s.finalizeLecture(nil)
	}
}

// finalizeLecture persists the lecture's final transcript, elapsed duration,
// and (when non-nil) summary. It runs on a context detached from the
// session's own, so a client disconnect or cancellation cannot abort the
// persist.
func (s *Session) finalizeLecture(summary *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	duration := s.transcript.ElapsedSeconds()
	if err := s.store.FinalizeLecture(ctx, s.lectureID, s.transcript.FullTranscript(), summary, duration); err != nil {
		slog.Warn("controller: finalize lecture failed", "lecture_id", s.lectureID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordArtifactStoreError(ctx, "finalize_lecture")
		}
		return err
	}
	return nil
}

// readLoop owns the WebSocket connection's read side: it demultiplexes
// inbound frames until the client disconnects or end_session is received.
// It returns true only when end_session already finalized the lecture
// (see handleInbound), telling Run to skip its own finalize call.
func (s *Session) readLoop(ctx context.Context) bool {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return false
		}

		switch msgType {
		case websocket.MessageBinary:
			if err := s.stt.SendAudio(data); err != nil {
				slog.Warn("controller: send audio failed", "lecture_id", s.lectureID, "error", err)
			}
		case websocket.MessageText:
			var in inboundMessage
			if err := json.Unmarshal(data, &in); err != nil {
				continue // malformed client message: ignored
			}
			if finalized, done := s.handleInbound(ctx, in); done {
				return finalized
			}
		}
	}
}

// handleInbound dispatches one parsed control message. The second return
// value is true only when the session should terminate (end_session). The
// first is true only when the lecture was already finalized here: for
// end_session, the lecture is persisted before the summary_update frame is
// sent, so a client never sees a summary the store doesn't have yet.
func (s *Session) handleInbound(ctx context.Context, in inboundMessage) (finalized bool, terminate bool) {
	switch in.Type {
	case "pause":
		s.stt.Pause()
	case "resume":
		s.stt.Resume()
	case "deep_research":
		if in.SelectedText != "" {
			go s.sched.DeepResearchNow(ctx, in.SelectedText)
		}
	case "end_session":
		summarizeStart := time.Now()
		summary, ok, err := s.analyzer.Summarize(ctx, s.transcript.FullTranscript())
		if s.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordLLMCall(ctx, "summarize", status, time.Since(summarizeStart).Seconds())
		}
		if err != nil {
			slog.Warn("controller: final summary generation failed", "lecture_id", s.lectureID, "error", err)
		}

		var summaryPtr *string
		if err == nil && ok && summary != "" {
			summaryPtr = &summary
		}

		if ferr := s.finalizeLecture(summaryPtr); ferr != nil {
			return false, true
		}
		if summaryPtr != nil {
			s.sendOutbound(wireMessage{Type: "summary_update", Summary: *summaryPtr})
		}
		return true, true
	}
	return false, false
}

// runInterimDrain forwards the STT client's interim stream (every
// transcript update, interim or final) to the outbound sink, and forwards
// finalized utterances to the scheduler's utterance queue. A final
// utterance is already visible in the rolling transcript by the time it
// reaches here (sttclient.Client appends before publishing).
func (s *Session) runInterimDrain(ctx context.Context) {
	defer s.wg.Done()

	interim := s.stt.Interim()
	utterances := s.stt.Utterances()

	for interim != nil || utterances != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-interim:
			if !ok {
				interim = nil
				continue
			}
			if ev.IsFinal {
				ts := s.transcript.ElapsedSeconds()
				s.sendOutbound(wireMessage{Type: "transcript_final", Text: ev.Text, Speaker: ev.Speaker, TimestampSeconds: &ts})
			} else {
				s.sendOutbound(wireMessage{Type: "transcript_interim", Text: ev.Text, Speaker: ev.Speaker})
			}
		case u, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			select {
			case s.uttCh <- scheduler.Utterance{Text: u.Text, Speaker: u.Speaker, TSSeconds: u.TSSeconds}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runEventDrain forwards scheduler output events to the outbound sink,
// translating each EventKind into its wire message shape.
func (s *Session) runEventDrain(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.evCh:
			if !ok {
				return
			}
			s.sendOutbound(eventToWire(ev))
		}
	}
}

func eventToWire(ev scheduler.Event) wireMessage {
	switch ev.Kind {
	case scheduler.EventTopicUpdate:
		emphasis := ev.EmphasisLevel
		return wireMessage{Type: "topic_update", Topic: ev.Topic, EmphasisLevel: &emphasis}
	case scheduler.EventNewTakeaway:
		t := ev.Takeaway
		return wireMessage{Type: "new_takeaway", Takeaway: &t}
	case scheduler.EventSummaryUpdate:
		return wireMessage{Type: "summary_update", Summary: ev.Summary}
	case scheduler.EventNewCard:
		c := ev.Card
		return wireMessage{Type: "new_card", Card: &c}
	case scheduler.EventDeepResearchStart:
		return wireMessage{Type: "deep_research_start", SelectedText: ev.SelectedText}
	case scheduler.EventDeepResearchResult:
		c := ev.Card
		return wireMessage{Type: "deep_research_result", Card: &c}
	default:
		return wireMessage{Type: string(ev.Kind)}
	}
}

// runTranscriptSaver persists a transcript snapshot every
// transcriptSaveInterval, so a crash mid-session loses at most a few
// seconds of transcript.
func (s *Session) runTranscriptSaver(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(transcriptSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			full := s.transcript.FullTranscript()
			if full == "" {
				continue
			}
			if err := s.store.UpdateTranscript(ctx, s.lectureID, full, s.transcript.ElapsedSeconds()); err != nil {
				slog.Warn("controller: periodic transcript save failed", "lecture_id", s.lectureID, "error", err)
				if s.metrics != nil {
					s.metrics.RecordArtifactStoreError(ctx, "update_transcript")
				}
			}
		}
	}
}

// runOutboundSink is the single goroutine allowed to write to conn. It
// serializes every wireMessage to JSON and writes one text frame per
// event. A write failure tears down the session.
func (s *Session) runOutboundSink(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				slog.Warn("controller: encode outbound message failed", "lecture_id", s.lectureID, "error", err)
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				slog.Warn("controller: outbound write failed, closing session", "lecture_id", s.lectureID, "error", err)
				s.closeOnce.Do(func() { close(s.done) })
				return
			}
		}
	}
}

// sendOutbound enqueues msg on the bounded outbound queue. On overflow the
// session is closed with a logged error rather than blocking indefinitely.
func (s *Session) sendOutbound(msg wireMessage) {
	select {
	case s.outbound <- msg:
	case <-s.done:
	default:
		slog.Warn("controller: outbound queue full, closing session", "lecture_id", s.lectureID, "type", msg.Type)
		if s.metrics != nil {
			s.metrics.OutboundQueueDrops.Add(context.Background(), 1)
		}
		s.closeOnce.Do(func() { close(s.done) })
	}
}
