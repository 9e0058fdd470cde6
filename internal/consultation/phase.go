package consultation

import (
	"github.com/pkg/errors"
)

type Phase string

const (
	PhaseCollectingInfo           Phase = "collecting-info"
	PhaseCollectingComplaint      Phase = "collecting-complaint"
	PhaseAnsweringQuestions       Phase = "answering-questions"
	PhaseGeneratingRecommendation Phase = "generating-recommendation"
	PhaseDone                     Phase = "done"
	PhaseCancelled                Phase = "cancelled"
)

type Event string

const (
	EventPatientConfirmed        Event = "patient-confirmed"
	EventQuestionsGenerated      Event = "questions-generated"
	EventAnswerAccepted          Event = "answer-accepted"
	EventLastAnswerAccepted      Event = "last-answer-accepted"
	EventRecommendationCompleted Event = "recommendation-completed"
	EventCancelled               Event = "cancelled"
)

var transitions = map[Phase]map[Event]Phase{
	PhaseCollectingInfo: {
		EventPatientConfirmed:   PhaseCollectingComplaint,
		EventQuestionsGenerated: PhaseAnsweringQuestions,
	},
	PhaseCollectingComplaint: {
		EventQuestionsGenerated: PhaseAnsweringQuestions,
	},
	PhaseAnsweringQuestions: {
		EventAnswerAccepted:     PhaseAnsweringQuestions,
		EventLastAnswerAccepted: PhaseGeneratingRecommendation,
	},
	PhaseGeneratingRecommendation: {
		EventRecommendationCompleted: PhaseDone,
	},
}

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

// Next returns the phase reached by e, or ErrInvalidPhaseTransition.
func (p Phase) Next(e Event) (Phase, error) {
	if e == EventCancelled && !p.Terminal() {
		return PhaseCancelled, nil
	}
	next, ok := transitions[p][e]
	if !ok {
		return p, errors.Wrapf(ErrInvalidPhaseTransition, "%s in phase %s", e, p)
	}
	return next, nil
}

// Can reports whether e is legal in phase p.
func (p Phase) Can(e Event) bool {
	_, err := p.Next(e)
	return err == nil
}

// apply moves s through e, keeping Status consistent with terminal phases.
func (s *Session) apply(e Event) error {
	if s.Terminal() {
		return errors.Wrapf(ErrInvalidPhaseTransition, "%s on %s session", e, s.Status)
	}
	next, err := s.Phase.Next(e)
	if err != nil {
		return err
	}
	s.Phase = next
	switch next {
	case PhaseDone:
		s.Status = StatusCompleted
	case PhaseCancelled:
		s.Status = StatusCancelled
	}
	return nil
}

// check validates e against the current state without mutating it.
func (s *Session) check(e Event) error {
	return s.Clone().apply(e)
}
