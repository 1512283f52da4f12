// Package wsvendor implements stt.Provider against the generic duplex
// websocket STT protocol documented for upstream vendors: connection
// parameters negotiated via URL query, API key passed in an authorization
// header, binary frames for audio, and JSON text frames of the shape
// {"transcript": string, "is_final": bool} (is_final defaults to true).
// A {"type":"finalize"} text frame is sent on shutdown.
//
// This is deliberately vendor-agnostic: the concrete wire format of any one
// commercial STT vendor is outside this system's scope, but a connection
// honoring this documented shape is not.
package wsvendor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/lecturerd/lecturerd/pkg/provider/stt"
)

// ErrNotSupported is returned by SetKeywords; this provider has no mid-stream
// keyword update mechanism.
var ErrNotSupported = errors.New("wsvendor: mid-session keyword updates are not supported")

// Provider implements stt.Provider over the documented generic STT protocol.
type Provider struct {
	endpoint       string
	apiKey         string
	language       string
	encoding       string
	sampleRate     int
	wordTimestamps bool
}

// New creates a Provider dialing endpoint with apiKey for authorization.
func New(endpoint, apiKey, language, encoding string, sampleRate int, wordTimestamps bool) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("wsvendor: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("wsvendor: apiKey must not be empty")
	}
	return &Provider{
		endpoint:       endpoint,
		apiKey:         apiKey,
		language:       language,
		encoding:       encoding,
		sampleRate:     sampleRate,
		wordTimestamps: wordTimestamps,
	}, nil
}

// StartStream opens a streaming transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsvendor: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsvendor: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("language", lang)
	q.Set("encoding", p.encoding)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("word_timestamps", strconv.FormatBool(p.wordTimestamps))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// frame is the JSON shape of a text frame received from the upstream STT.
type frame struct {
	Transcript string `json:"transcript"`
	IsFinal    *bool  `json:"is_final"`
}

type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery upstream.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("wsvendor: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("wsvendor: session is closed")
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// SetKeywords is unsupported for this provider.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return ErrNotSupported
}

// Close requests finalize, closes the socket, and joins both loops. Safe to
// call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"finalize"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseFrame(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

func parseFrame(data []byte) (stt.Transcript, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return stt.Transcript{}, false
	}
	isFinal := true
	if f.IsFinal != nil {
		isFinal = *f.IsFinal
	}
	return stt.Transcript{Text: f.Transcript, IsFinal: isFinal}, true
}
