package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// EndOfStream is the sentinel chunk that terminates a successful stream.
const EndOfStream = "[DONE]"

var ErrAborted = errors.New("stream aborted")

// Source is a chunked text feed. Recv returns io.EOF when the transport closes.
type Source interface {
	Recv(ctx context.Context) (string, error)
	Close() error
}

type EventType string

const (
	EventChunk       EventType = "chunk"
	EventSideChannel EventType = "side_channel"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// SideChannel is the structured payload that may be interleaved with body chunks.
type SideChannel struct {
	RecommendationPivotText string `json:"recommendationPivotText"`
}

type Event struct {
	Type        EventType    `json:"type"`
	Chunk       string       `json:"chunk,omitempty"`
	Text        string       `json:"text,omitempty"`
	SideChannel *SideChannel `json:"side_channel,omitempty"`
	Err         error        `json:"-"`
}

type Result struct {
	Text      string
	PivotText string
	HasPivot  bool
	Chunks    int
}

// AbortError reports a stream that ended without the sentinel.
// It matches ErrAborted and unwraps to the underlying cause.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	if e.Cause == nil {
		return ErrAborted.Error()
	}
	return ErrAborted.Error() + ": " + e.Cause.Error()
}

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

func (e *AbortError) Unwrap() error { return e.Cause }

// sideChannelKey is the only member a side-channel object may carry. It is
// matched byte for byte.
const sideChannelKey = "recommendationPivotText"

// ParseSideChannel reports whether chunk is exactly a side-channel object.
// Anything else, including JSON with extra, repeated or differently cased
// fields, is body text.
func ParseSideChannel(chunk string) (SideChannel, bool) {
	trimmed := strings.TrimSpace(chunk)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return SideChannel{}, false
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return SideChannel{}, false
	}
	if key, err := dec.Token(); err != nil || key != sideChannelKey {
		return SideChannel{}, false
	}
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil || len(raw) == 0 || raw[0] != '"' {
		return SideChannel{}, false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return SideChannel{}, false
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return SideChannel{}, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return SideChannel{}, false
	}
	return SideChannel{RecommendationPivotText: value}, true
}

// SideChannelChunk encodes a side-channel payload as a single chunk.
func SideChannelChunk(sc SideChannel) string {
	b, _ := json.Marshal(sc)
	return string(b)
}

type received struct {
	chunk string
	err   error
}

// Aggregate consumes src until the sentinel, a failure or ctx cancellation.
// observe is called from the calling goroutine only; after cancellation no
// further events are delivered. The source is always closed before return.
func Aggregate(ctx context.Context, src Source, observe func(Event)) (Result, error) {
	if observe == nil {
		observe = func(Event) {}
	}

	pumpCtx, stop := context.WithCancel(ctx)
	recvs := make(chan received)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			chunk, err := src.Recv(pumpCtx)
			select {
			case recvs <- received{chunk: chunk, err: err}:
			case <-pumpCtx.Done():
				return
			}
			if err != nil || chunk == EndOfStream {
				return
			}
		}
	}()
	defer func() {
		stop()
		_ = src.Close()
		wg.Wait()
	}()

	var (
		body strings.Builder
		res  Result
	)
	for {
		select {
		case <-ctx.Done():
			return Result{}, &AbortError{Cause: ctx.Err()}
		case r := <-recvs:
			if ctx.Err() != nil {
				return Result{}, &AbortError{Cause: ctx.Err()}
			}
			if r.err != nil {
				cause := r.err
				if cause == io.EOF {
					cause = io.ErrUnexpectedEOF
				}
				observe(Event{Type: EventError, Err: cause})
				return Result{}, &AbortError{Cause: cause}
			}
			if r.chunk == EndOfStream {
				res.Text = body.String()
				observe(Event{Type: EventDone, Text: res.Text})
				return res, nil
			}
			if sc, ok := ParseSideChannel(r.chunk); ok {
				res.PivotText = sc.RecommendationPivotText
				res.HasPivot = true
				observe(Event{Type: EventSideChannel, SideChannel: &sc})
				continue
			}
			body.WriteString(r.chunk)
			res.Chunks++
			observe(Event{Type: EventChunk, Chunk: r.chunk, Text: body.String()})
		}
	}
}
