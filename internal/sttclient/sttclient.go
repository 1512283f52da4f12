// Package sttclient implements the session-facing speech-to-text client: it
// owns the single duplex connection to the upstream STT provider, exposes
// start/send_audio/pause/resume/stop, and publishes two
// ordered output streams — every transcript update (interim-stream) and
// finalized utterances only (utterance-stream) — while feeding finals into
// the session's rolling transcript.
package sttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lecturerd/lecturerd/internal/transcript"
	"github.com/lecturerd/lecturerd/pkg/provider/stt"
)

// Event is an interim-stream item: every transcript update, interim or final.
type Event struct {
	Text    string
	Speaker string
	IsFinal bool
}

// Utterance is a utterance-stream item: a finalized transcript segment.
type Utterance struct {
	Text      string
	Speaker   string
	TSSeconds int
}

// Client drives one upstream STT session on behalf of a lecture session.
// Safe for concurrent use.
type Client struct {
	provider   stt.Provider
	cfg        stt.StreamConfig
	transcript *transcript.Store

	mu      sync.Mutex
	session stt.SessionHandle
	started bool

	paused atomic.Bool

	interim    chan Event
	utterances chan Utterance
	done       chan struct{}
	wg         sync.WaitGroup
}

// New creates a Client bound to provider and the session's transcript store.
// cfg describes the audio format and recognition hints to request.
func New(provider stt.Provider, cfg stt.StreamConfig, tr *transcript.Store) *Client {
	return &Client{
		provider:   provider,
		cfg:        cfg,
		transcript: tr,
		interim:    make(chan Event, 256),
		utterances: make(chan Utterance, 256),
		done:       make(chan struct{}),
	}
}

// Start establishes the upstream connection, blocking until ready or until
// timeout elapses.
func (c *Client) Start(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("sttclient: already started")
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := c.provider.StartStream(dialCtx, c.cfg)
	if err != nil {
		return fmt.Errorf("sttclient: start stream: %w", err)
	}

	c.session = sess
	c.started = true

	c.wg.Add(1)
	go c.pump()

	return nil
}

// SendAudio enqueues a chunk of PCM audio for delivery upstream. It is a
// no-op while the client is paused or before Start.
func (c *Client) SendAudio(chunk []byte) error {
	if c.paused.Load() {
		return nil
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.SendAudio(chunk)
}

// Pause stops forwarding audio upstream without tearing down the connection.
func (c *Client) Pause() { c.paused.Store(true) }

// Resume resumes forwarding audio upstream.
func (c *Client) Resume() { c.paused.Store(false) }

// Stop requests finalize, closes the upstream connection, and joins the
// pump goroutine.
func (c *Client) Stop() error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.Close()
	close(c.done)
	c.wg.Wait()
	return err
}

// Interim returns the interim-stream channel: every transcript update.
func (c *Client) Interim() <-chan Event { return c.interim }

// Utterances returns the utterance-stream channel: finalized utterances only.
func (c *Client) Utterances() <-chan Utterance { return c.utterances }

// pump merges the upstream Partials/Finals channels into the client's
// interim-stream and utterance-stream, appending finals to the transcript
// store before publication so the rolling transcript reflects an utterance
// before it reaches any downstream consumer.
func (c *Client) pump() {
	defer c.wg.Done()
	defer close(c.interim)
	defer close(c.utterances)

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	partials := sess.Partials()
	finals := sess.Finals()

	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			select {
			case c.interim <- Event{Text: t.Text, Speaker: t.SpeakerID, IsFinal: false}:
			case <-c.done:
				return
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.transcript.Append(t.Text)

			select {
			case c.interim <- Event{Text: t.Text, Speaker: t.SpeakerID, IsFinal: true}:
			case <-c.done:
				return
			}

			ts := c.transcript.ElapsedSeconds()
			select {
			case c.utterances <- Utterance{Text: t.Text, Speaker: t.SpeakerID, TSSeconds: ts}:
			case <-c.done:
				return
			}
		}
	}
}
