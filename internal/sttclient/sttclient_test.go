package sttclient

import (
	"context"
	"testing"
	"time"

	"github.com/lecturerd/lecturerd/internal/transcript"
	"github.com/lecturerd/lecturerd/pkg/provider/stt"
	"github.com/lecturerd/lecturerd/pkg/provider/stt/mock"
)

func TestClientPublishesFinalsAndAppendsTranscript(t *testing.T) {
	sess := &mock.Session{
		PartialsCh: make(chan stt.Transcript, 4),
		FinalsCh:   make(chan stt.Transcript, 4),
	}
	provider := &mock.Provider{Session: sess}

	tr := transcript.New()
	c := New(provider, stt.StreamConfig{SampleRate: 16000}, tr)

	if err := c.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.FinalsCh <- stt.Transcript{Text: "hello there", IsFinal: true}
	close(sess.FinalsCh)
	close(sess.PartialsCh)

	select {
	case u := <-c.Utterances():
		if u.Text != "hello there" {
			t.Fatalf("Utterances() text = %q, want %q", u.Text, "hello there")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for utterance")
	}

	if got := tr.FullTranscript(); got != "hello there" {
		t.Fatalf("FullTranscript() = %q, want %q", got, "hello there")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Fatalf("CloseCallCount = %d, want 1", sess.CloseCallCount)
	}
}

func TestSendAudioNoopWhenPaused(t *testing.T) {
	sess := &mock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	provider := &mock.Provider{Session: sess}

	c := New(provider, stt.StreamConfig{}, transcript.New())
	if err := c.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Pause()
	if err := c.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if sess.SendAudioCallCount() != 0 {
		t.Fatalf("expected no SendAudio calls while paused, got %d", sess.SendAudioCallCount())
	}

	c.Resume()
	if err := c.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if sess.SendAudioCallCount() != 1 {
		t.Fatalf("expected 1 SendAudio call after resume, got %d", sess.SendAudioCallCount())
	}

	close(sess.PartialsCh)
	close(sess.FinalsCh)
	_ = c.Stop()
}
