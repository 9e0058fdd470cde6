package consultation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"medical-intake/internal/stream"
)

func (s *service) CompleteSession(ctx context.Context, id string, observe func(stream.Event)) (_ *Session, err error) {
	ctx, span := s.tel.start(ctx, "CompleteSession", id)
	defer func() { endSpan(span, err) }()

	unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := stored.Clone()
	if err := sess.check(EventRecommendationCompleted); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.language", sess.Language))

	s.fillPivotAnswers(ctx, sess)
	complaint := sess.ComplaintPivot
	if complaint == "" {
		complaint = s.bestEffortToPivot(ctx, sess.InitialComplaint, sess.Language)
		sess.ComplaintPivot = complaint
	}
	if complaint == "" {
		complaint = sess.InitialComplaint
	}

	streamCtx := ctx
	if s.opts.StreamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, s.opts.StreamTimeout)
		defer cancel()
	}

	start := time.Now()
	upstream, err := s.generator.Stream(streamCtx, recommendationPrompt(complaint, sess.Conversation, sess.Patient))
	if err != nil {
		s.tel.upstreamCall(ctx, "recommendation", start, err)
		return nil, errors.WithMessage(ErrUpstreamGeneration, err.Error())
	}
	src := newLocalizingSource(upstream, s.translator, sess.Language)

	res, err := stream.Aggregate(streamCtx, src, observe)
	if err != nil {
		s.log.WarnContext(ctx, "recommendation stream ended early", "session_id", id, "error", err)
		// A cancelled caller is an abort even if it interrupted the translation.
		if tErr := src.translationErr(); tErr != nil && streamCtx.Err() == nil {
			s.tel.upstreamCall(ctx, "recommendation", start, nil)
			s.tel.translationFailed(ctx, "to_patient", sess.Language)
			return nil, tErr
		}
		s.tel.upstreamCall(ctx, "recommendation", start, err)
		return nil, err
	}
	s.tel.upstreamCall(ctx, "recommendation", start, nil)
	span.SetAttributes(attribute.Int("stream.chunk_count", res.Chunks))

	text := res.Text
	sess.RecommendationText = &text
	if res.HasPivot {
		pivot := res.PivotText
		sess.RecommendationPivotText = &pivot
	} else if s.translator.IsPivot(sess.Language) {
		sess.RecommendationPivotText = &text
	}
	if err := sess.apply(EventRecommendationCompleted); err != nil {
		return nil, err
	}

	// The stream finished; a caller disconnecting now must not lose the result.
	if err := s.repo.Update(context.WithoutCancel(ctx), sess); err != nil {
		return nil, storeError(err)
	}

	s.tel.sessionCompleted(ctx, sess)
	s.log.InfoContext(ctx, "session completed", "session_id", id, "chunks", res.Chunks)
	return sess.Clone(), nil
}

// fillPivotAnswers translates answers whose pivot text is still missing.
// Failures keep the original answer in the prompt.
func (s *service) fillPivotAnswers(ctx context.Context, sess *Session) {
	if s.translator.IsPivot(sess.Language) {
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for i := range sess.Conversation {
		if sess.Conversation[i].AnswerPivot != "" {
			continue
		}
		g.Go(func() error {
			out, err := s.translator.ToPivot(ctx, sess.Conversation[i].Answer, sess.Language)
			if err != nil {
				s.log.WarnContext(ctx, "answer translation failed", "session_id", sess.ID, "turn", i, "error", err)
				s.tel.translationFailed(ctx, "to_pivot", sess.Language)
				return nil
			}
			sess.Conversation[i].AnswerPivot = out
			return nil
		})
	}
	_ = g.Wait()
}

// localizingSource turns the pivot-language upstream into what the patient
// receives: body text in the patient's language, then the pivot text on the
// side channel, then the sentinel.
type localizingSource struct {
	upstream   stream.Source
	translator Translator
	language   string
	passThru   bool

	mu      sync.Mutex
	pivot   strings.Builder
	tail    *stream.SliceSource
	tailErr error
}

func newLocalizingSource(upstream stream.Source, tr Translator, language string) *localizingSource {
	return &localizingSource{
		upstream:   upstream,
		translator: tr,
		language:   language,
		passThru:   tr.IsPivot(language),
	}
}

func (l *localizingSource) Recv(ctx context.Context) (string, error) {
	l.mu.Lock()
	tail := l.tail
	l.mu.Unlock()
	if tail != nil {
		return tail.Recv(ctx)
	}

	for {
		chunk, err := l.upstream.Recv(ctx)
		if err != nil {
			return "", err
		}
		if chunk == stream.EndOfStream {
			if err := l.finish(ctx); err != nil {
				return "", err
			}
			return l.tail.Recv(ctx)
		}
		if _, ok := stream.ParseSideChannel(chunk); ok {
			continue
		}

		l.mu.Lock()
		l.pivot.WriteString(chunk)
		l.mu.Unlock()
		if l.passThru {
			return chunk, nil
		}
	}
}

func (l *localizingSource) finish(ctx context.Context) error {
	l.mu.Lock()
	pivot := l.pivot.String()
	l.mu.Unlock()

	chunks := make([]string, 0, 3)
	if !l.passThru {
		localized, err := l.translator.ToPatientLanguage(ctx, pivot, l.language)
		if err != nil {
			l.mu.Lock()
			l.tailErr = err
			l.mu.Unlock()
			return err
		}
		if localized != "" {
			chunks = append(chunks, localized)
		}
	}
	chunks = append(chunks,
		stream.SideChannelChunk(stream.SideChannel{RecommendationPivotText: pivot}),
		stream.EndOfStream,
	)

	l.mu.Lock()
	l.tail = stream.NewSliceSource(chunks...)
	l.mu.Unlock()
	return nil
}

// translationErr reports the recommendation translation failure, if any.
func (l *localizingSource) translationErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailErr
}

func (l *localizingSource) Close() error {
	return l.upstream.Close()
}
