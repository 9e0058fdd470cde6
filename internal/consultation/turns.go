package consultation

import (
	"github.com/pkg/errors"
)

// appendTurn records the answer to questions[index]. Only the current index is
// accepted; earlier, later and repeated indices are rejected without mutation.
func (s *Session) appendTurn(index int, answer, answerPivot string) error {
	if err := s.checkTurnIndex(index); err != nil {
		return err
	}
	if len(s.Conversation) != s.CurrentQuestionIndex {
		return errors.Errorf("conversation length %d does not match index %d", len(s.Conversation), s.CurrentQuestionIndex)
	}

	event := EventAnswerAccepted
	if index+1 == len(s.Questions) {
		event = EventLastAnswerAccepted
	}
	if err := s.check(event); err != nil {
		return err
	}

	s.Conversation = append(s.Conversation, Turn{
		Question:    s.Questions[index],
		Answer:      answer,
		AnswerPivot: answerPivot,
	})
	s.CurrentQuestionIndex++
	return s.apply(event)
}

// AllAnswered reports whether every generated question has an answer.
func (s *Session) AllAnswered() bool {
	return len(s.Questions) > 0 && s.CurrentQuestionIndex == len(s.Questions)
}

// NextQuestion returns the patient-facing text of the current question.
func (s *Session) NextQuestion() (string, bool) {
	if s.CurrentQuestionIndex >= len(s.Questions) {
		return "", false
	}
	if s.CurrentQuestionIndex < len(s.LocalizedQuestions) && s.LocalizedQuestions[s.CurrentQuestionIndex] != "" {
		return s.LocalizedQuestions[s.CurrentQuestionIndex], true
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

func (s *Session) checkTurnIndex(index int) error {
	if index != s.CurrentQuestionIndex || index < 0 || index >= len(s.Questions) {
		return errors.Wrapf(ErrQuestionIndexOutOfRange, "got %d, expected %d of %d", index, s.CurrentQuestionIndex, len(s.Questions))
	}
	return nil
}
