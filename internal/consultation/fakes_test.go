package consultation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"medical-intake/internal/stream"
	"medical-intake/internal/translation"
)

// tagTranslator marks translated text with the target language, e.g. "<hi>text".
// With hang set, every call blocks until its context ends.
type tagTranslator struct {
	fail  atomic.Bool
	hang  atomic.Bool
	calls atomic.Int32
}

func (t *tagTranslator) Translate(ctx context.Context, text, src, dst string) (string, error) {
	t.calls.Add(1)
	if t.hang.Load() {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if t.fail.Load() {
		return "", errors.New("translation backend down")
	}
	return fmt.Sprintf("<%s>%s", dst, text), nil
}

type fakeGenerator struct {
	mu          sync.Mutex
	replies     []string
	completeErr error
	prompts     []Prompt

	chunks    []string
	hold      bool
	streamErr error
	streams   int
}

func (g *fakeGenerator) Complete(ctx context.Context, p Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, p)
	if g.completeErr != nil {
		return "", g.completeErr
	}
	if len(g.replies) == 0 {
		return "", errors.New("no reply scripted")
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func (g *fakeGenerator) Stream(ctx context.Context, p Prompt) (stream.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, p)
	g.streams++
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &scriptedSource{
		chunks: append([]string(nil), g.chunks...),
		hold:   g.hold,
		closed: make(chan struct{}),
	}, nil
}

func (g *fakeGenerator) setStream(hold bool, chunks ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hold, g.chunks = hold, chunks
}

func (g *fakeGenerator) lastPrompt() Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

// scriptedSource replays chunks, then either blocks until closed or reports EOF.
type scriptedSource struct {
	mu     sync.Mutex
	chunks []string
	hold   bool
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedSource) Recv(ctx context.Context) (string, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if !s.hold {
		return "", io.EOF
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", io.EOF
	}
}

func (s *scriptedSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type countingWriter struct {
	calls atomic.Int32
}

func (w *countingWriter) Generate(ctx context.Context, s Session) (string, error) {
	n := w.calls.Add(1)
	return fmt.Sprintf("prescriptions/%s-%d.pdf", s.ID, n), nil
}

type fixture struct {
	svc        Service
	repo       Repository
	gen        *fakeGenerator
	translator *tagTranslator
	writer     *countingWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, Options{})
}

// newFixtureWith overrides the default question bounds with whatever opts sets.
func newFixtureWith(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.MinQuestions == 0 {
		opts.MinQuestions = 3
	}
	if opts.MaxQuestions == 0 {
		opts.MaxQuestions = 6
	}

	tr := &tagTranslator{}
	gw, err := translation.NewGateway(tr, translation.Options{Pivot: "en"})
	require.NoError(t, err)

	f := &fixture{
		repo:       NewMemoryRepository(),
		gen:        &fakeGenerator{},
		translator: tr,
		writer:     &countingWriter{},
	}
	f.svc = NewService(f.repo, NewLocalLocker(), f.gen, gw, f.writer, opts)
	return f
}

const fourQuestions = `1. How long have you had the headache?
2. Where exactly is the pain located?
3. Do you have any nausea or vomiting?
4. Have you taken any medication so far?`

// answered creates a session in language lang and answers every question.
func (f *fixture) answered(t *testing.T, lang string) *Session {
	t.Helper()
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, PatientInfo{Age: 30, Gender: "male", Language: lang})
	require.NoError(t, err)

	f.gen.replies = []string{fourQuestions}
	questions, err := f.svc.GenerateQuestions(ctx, sess.ID, "I have a headache")
	require.NoError(t, err)

	for i := range questions {
		_, err := f.svc.SubmitAnswer(ctx, sess.ID, i, fmt.Sprintf("answer number %d", i+1))
		require.NoError(t, err)
	}

	out, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseGeneratingRecommendation, out.Phase)
	return out
}
