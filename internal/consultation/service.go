package consultation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"medical-intake/internal/stream"
)

// Generator is the generative-model collaborator. Stream returns a source that
// ends with stream.EndOfStream on success.
type Generator interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Stream(ctx context.Context, p Prompt) (stream.Source, error)
}

// Translator is implemented by translation.Gateway.
type Translator interface {
	ToPivot(ctx context.Context, text, sourceLanguage string) (string, error)
	ToPatientLanguage(ctx context.Context, text, targetLanguage string) (string, error)
	NormalizeLanguage(lang string) (string, error)
	IsPivot(lang string) bool
	Pivot() string
}

// PrescriptionWriter renders and stores the artifact for a completed session
// and returns a reference to it.
type PrescriptionWriter interface {
	Generate(ctx context.Context, s Session) (string, error)
}

type Options struct {
	MinAge          int
	MaxAge          int
	MinQuestions    int
	MaxQuestions    int
	MaxTextLength   int
	UpstreamTimeout time.Duration
	StreamTimeout   time.Duration
	Logger          *slog.Logger
	// TracerProvider and MeterProvider default to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.MinAge <= 0 {
		o.MinAge = 1
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 90
	}
	if o.MinQuestions <= 0 {
		o.MinQuestions = 1
	}
	if o.MaxQuestions <= 0 {
		o.MaxQuestions = 6
	}
	if o.MaxQuestions < o.MinQuestions {
		o.MaxQuestions = o.MinQuestions
	}
	if o.MaxTextLength <= 0 {
		o.MaxTextLength = 2000
	}
	if o.UpstreamTimeout <= 0 {
		o.UpstreamTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type AnswerResult struct {
	IsComplete   bool   `json:"is_complete"`
	NextQuestion string `json:"next_question,omitempty"`
	CurrentIndex int    `json:"current_index"`
}

type Service interface {
	CreateSession(ctx context.Context, info PatientInfo) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	CancelSession(ctx context.Context, id string) (*Session, error)
	RecordComplaint(ctx context.Context, id, complaint string) (*Session, error)
	GenerateQuestions(ctx context.Context, id, complaint string) ([]string, error)
	SubmitAnswer(ctx context.Context, id string, questionIndex int, answer string) (AnswerResult, error)
	// CompleteSession streams the recommendation to observe and blocks until
	// the stream ends. Cancelling ctx aborts the stream and leaves the session
	// in PhaseGeneratingRecommendation so the call can be retried.
	CompleteSession(ctx context.Context, id string, observe func(stream.Event)) (*Session, error)
	GeneratePrescription(ctx context.Context, id string) (string, error)
}

type service struct {
	repo         Repository
	locker       Locker
	generator    Generator
	translator   Translator
	prescription PrescriptionWriter
	opts         Options
	log          *slog.Logger
	tel          *telemetry
}

func NewService(repo Repository, locker Locker, gen Generator, tr Translator, pw PrescriptionWriter, opts Options) Service {
	opts.setDefaults()
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &service{
		repo:         repo,
		locker:       locker,
		generator:    gen,
		translator:   tr,
		prescription: pw,
		opts:         opts,
		log:          opts.Logger,
		tel:          newTelemetry(opts.TracerProvider, opts.MeterProvider),
	}
}

func (s *service) CreateSession(ctx context.Context, info PatientInfo) (*Session, error) {
	if info.Age < s.opts.MinAge || info.Age > s.opts.MaxAge {
		return nil, errors.Wrapf(ErrInvalidPatientInfo, "age %d outside %d-%d", info.Age, s.opts.MinAge, s.opts.MaxAge)
	}
	lang := info.Language
	if strings.TrimSpace(lang) == "" {
		lang = s.translator.Pivot()
	}
	lang, err := s.translator.NormalizeLanguage(lang)
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidPatientInfo, err.Error())
	}
	complaint := strings.TrimSpace(info.Complaint)
	if len([]rune(complaint)) > s.opts.MaxTextLength {
		return nil, errors.Wrapf(ErrInvalidPatientInfo, "complaint longer than %d characters", s.opts.MaxTextLength)
	}

	sess := &Session{
		ID:                 uuid.New().String(),
		Status:             StatusActive,
		Phase:              PhaseCollectingInfo,
		Patient:            Patient{Age: info.Age, Gender: ParseGender(info.Gender)},
		Language:           lang,
		InitialComplaint:   complaint,
		Questions:          []string{},
		LocalizedQuestions: []string{},
		Conversation:       []Turn{},
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.tel.sessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("language", lang)))

	s.log.InfoContext(ctx, "session created", "session_id", sess.ID, "language", lang, "age", info.Age)
	return sess.Clone(), nil
}

func (s *service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) DeleteSession(ctx context.Context, id string) error {
	unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session deleted", "session_id", id)
	return nil
}

func (s *service) CancelSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.mutate(ctx, id, func(sess *Session) error {
		return sess.apply(EventCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "session cancelled", "session_id", id)
	return sess, nil
}

func (s *service) RecordComplaint(ctx context.Context, id, complaint string) (*Session, error) {
	complaint = strings.TrimSpace(complaint)
	if complaint == "" {
		return nil, errors.Wrap(ErrInvalidComplaint, "complaint is empty")
	}
	if len([]rune(complaint)) > s.opts.MaxTextLength {
		return nil, errors.Wrapf(ErrInvalidComplaint, "complaint longer than %d characters", s.opts.MaxTextLength)
	}

	return s.mutate(ctx, id, func(sess *Session) error {
		if err := sess.check(EventPatientConfirmed); err != nil {
			return err
		}
		sess.InitialComplaint = complaint
		sess.ComplaintRecorded = true
		return sess.apply(EventPatientConfirmed)
	})
}

func (s *service) GenerateQuestions(ctx context.Context, id, complaint string) (_ []string, err error) {
	ctx, span := s.tel.start(ctx, "GenerateQuestions", id)
	defer func() { endSpan(span, err) }()

	complaint = strings.TrimSpace(complaint)
	if len([]rune(complaint)) > s.opts.MaxTextLength {
		return nil, errors.Wrapf(ErrInvalidComplaint, "complaint longer than %d characters", s.opts.MaxTextLength)
	}

	sess, err := s.mutate(ctx, id, func(sess *Session) error {
		if err := sess.check(EventQuestionsGenerated); err != nil {
			return err
		}
		if len(sess.Questions) > 0 {
			return errors.Wrap(ErrInvalidPhaseTransition, "questions already generated")
		}
		// A recorded complaint has used up its single update.
		if sess.ComplaintRecorded && complaint != "" && complaint != sess.InitialComplaint {
			return errors.Wrap(ErrInvalidComplaint, "complaint already recorded")
		}
		if complaint == "" {
			complaint = sess.InitialComplaint
		}
		if complaint == "" {
			return errors.Wrap(ErrInvalidComplaint, "complaint is empty")
		}

		pivot := s.bestEffortToPivot(ctx, complaint, sess.Language)
		promptText := pivot
		if promptText == "" {
			promptText = complaint
		}
		questions, err := s.askQuestions(ctx, sess.ID, promptText, sess.Patient)
		if err != nil {
			return err
		}

		sess.InitialComplaint = complaint
		sess.ComplaintPivot = pivot
		sess.Questions = questions
		sess.LocalizedQuestions = s.localizeAll(ctx, questions, sess.Language)
		sess.Conversation = []Turn{}
		sess.CurrentQuestionIndex = 0
		return sess.apply(EventQuestionsGenerated)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("questions.count", len(sess.Questions)))
	s.log.InfoContext(ctx, "questions generated", "session_id", id, "count", len(sess.Questions))
	return append([]string(nil), sess.LocalizedQuestions...), nil
}

func (s *service) SubmitAnswer(ctx context.Context, id string, questionIndex int, answer string) (AnswerResult, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return AnswerResult{}, errors.Wrap(ErrInvalidAnswer, "answer is empty")
	}
	if len([]rune(answer)) > s.opts.MaxTextLength {
		return AnswerResult{}, errors.Wrapf(ErrInvalidAnswer, "answer longer than %d characters", s.opts.MaxTextLength)
	}

	sess, err := s.mutate(ctx, id, func(sess *Session) error {
		if sess.Terminal() || sess.Phase != PhaseAnsweringQuestions {
			return errors.Wrapf(ErrInvalidPhaseTransition, "answer in phase %s", sess.Phase)
		}
		if err := sess.checkTurnIndex(questionIndex); err != nil {
			return err
		}
		pivot := s.bestEffortToPivot(ctx, answer, sess.Language)
		return sess.appendTurn(questionIndex, answer, pivot)
	})
	if err != nil {
		return AnswerResult{}, err
	}

	res := AnswerResult{
		IsComplete:   sess.AllAnswered(),
		CurrentIndex: sess.CurrentQuestionIndex,
	}
	if q, ok := sess.NextQuestion(); ok {
		res.NextQuestion = q
	}
	s.log.InfoContext(ctx, "answer accepted", "session_id", id, "index", questionIndex, "complete", res.IsComplete)
	return res, nil
}

func (s *service) GeneratePrescription(ctx context.Context, id string) (string, error) {
	if s.prescription == nil {
		return "", errors.New("prescription generation is not configured")
	}

	sess, err := s.mutate(ctx, id, func(sess *Session) error {
		if sess.Status != StatusCompleted {
			return errors.Wrapf(ErrNotCompleted, "status %s", sess.Status)
		}
		if sess.PrescriptionRef != nil {
			return nil
		}
		ref, err := s.prescription.Generate(ctx, *sess.Clone())
		if err != nil {
			return errors.WithMessage(err, "generate prescription")
		}
		sess.PrescriptionRef = &ref
		return nil
	})
	if err != nil {
		return "", err
	}
	return *sess.PrescriptionRef, nil
}

// mutate runs fn on a private copy of the session under the session lock and
// persists the copy only if fn succeeds.
func (s *service) mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := stored.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, next); err != nil {
		return nil, storeError(err)
	}
	return next.Clone(), nil
}

func storeError(err error) error {
	if errors.Is(err, ErrVersionConflict) {
		return errors.WithMessage(ErrSessionBusy, err.Error())
	}
	return err
}

func (s *service) askQuestions(ctx context.Context, sessionID, complaint string, p Patient) ([]string, error) {
	var lastErr error
	for _, strict := range []bool{false, true} {
		if ctx.Err() != nil {
			break
		}
		prompt := questionsPrompt(complaint, p, s.opts.MinQuestions, s.opts.MaxQuestions, strict)

		operation := "questions"
		if strict {
			operation = "questions_strict"
		}
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
		raw, err := s.generator.Complete(callCtx, prompt)
		cancel()
		s.tel.upstreamCall(ctx, operation, start, err)
		if err == nil {
			var questions []string
			questions, err = ParseQuestions(raw, s.opts.MinQuestions, s.opts.MaxQuestions)
			if err == nil {
				return questions, nil
			}
		}
		lastErr = err
		s.log.WarnContext(ctx, "question generation attempt failed", "session_id", sessionID, "strict", strict, "error", err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, errors.WithMessage(ErrUpstreamGeneration, lastErr.Error())
}

// bestEffortToPivot returns the pivot translation of text, or "" when the
// translation failed so a later step can retry it.
func (s *service) bestEffortToPivot(ctx context.Context, text, lang string) string {
	if s.translator.IsPivot(lang) {
		return text
	}
	out, err := s.translator.ToPivot(ctx, text, lang)
	if err != nil {
		s.log.WarnContext(ctx, "translation to pivot failed, keeping original", "language", lang, "error", err)
		s.tel.translationFailed(ctx, "to_pivot", lang)
		return ""
	}
	return out
}

// localizeAll translates pivot texts for the patient, falling back to the
// pivot text per item.
func (s *service) localizeAll(ctx context.Context, texts []string, lang string) []string {
	out := append([]string(nil), texts...)
	if s.translator.IsPivot(lang) {
		return out
	}

	var g errgroup.Group
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			localized, err := s.translator.ToPatientLanguage(ctx, text, lang)
			if err != nil {
				s.log.WarnContext(ctx, "translation to patient language failed, keeping pivot text", "language", lang, "error", err)
				s.tel.translationFailed(ctx, "to_patient", lang)
				return nil
			}
			out[i] = localized
			return nil
		})
	}
	_ = g.Wait()
	return out
}
