package consultation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from  Phase
		event Event
		to    Phase
		ok    bool
	}{
		{PhaseCollectingInfo, EventPatientConfirmed, PhaseCollectingComplaint, true},
		{PhaseCollectingInfo, EventQuestionsGenerated, PhaseAnsweringQuestions, true},
		{PhaseCollectingComplaint, EventQuestionsGenerated, PhaseAnsweringQuestions, true},
		{PhaseAnsweringQuestions, EventAnswerAccepted, PhaseAnsweringQuestions, true},
		{PhaseAnsweringQuestions, EventLastAnswerAccepted, PhaseGeneratingRecommendation, true},
		{PhaseGeneratingRecommendation, EventRecommendationCompleted, PhaseDone, true},
		{PhaseGeneratingRecommendation, EventCancelled, PhaseCancelled, true},
		{PhaseCollectingInfo, EventCancelled, PhaseCancelled, true},

		{PhaseCollectingComplaint, EventPatientConfirmed, "", false},
		{PhaseAnsweringQuestions, EventQuestionsGenerated, "", false},
		{PhaseCollectingInfo, EventAnswerAccepted, "", false},
		{PhaseAnsweringQuestions, EventRecommendationCompleted, "", false},
		{PhaseDone, EventCancelled, "", false},
		{PhaseCancelled, EventCancelled, "", false},
		{PhaseDone, EventAnswerAccepted, "", false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			next, err := tc.from.Next(tc.event)
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidPhaseTransition)
				require.Equal(t, tc.from, next)
				require.False(t, tc.from.Can(tc.event))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.to, next)
			require.True(t, tc.from.Can(tc.event))
		})
	}
}

func TestApplyKeepsStatusInStep(t *testing.T) {
	s := &Session{Status: StatusActive, Phase: PhaseGeneratingRecommendation}
	require.NoError(t, s.apply(EventRecommendationCompleted))
	require.Equal(t, StatusCompleted, s.Status)
	require.Equal(t, PhaseDone, s.Phase)

	require.ErrorIs(t, s.apply(EventCancelled), ErrInvalidPhaseTransition)
	require.Equal(t, StatusCompleted, s.Status)

	c := &Session{Status: StatusActive, Phase: PhaseAnsweringQuestions}
	require.NoError(t, c.check(EventCancelled))
	require.Equal(t, StatusActive, c.Status)
	require.NoError(t, c.apply(EventCancelled))
	require.Equal(t, StatusCancelled, c.Status)
}

func TestAppendTurn(t *testing.T) {
	s := &Session{
		Status:             StatusActive,
		Phase:              PhaseAnsweringQuestions,
		Questions:          []string{"How long has it hurt?", "Any fever at all?"},
		LocalizedQuestions: []string{"¿Desde cuándo le duele?", ""},
	}

	q, ok := s.NextQuestion()
	require.True(t, ok)
	require.Equal(t, "¿Desde cuándo le duele?", q)

	require.ErrorIs(t, s.appendTurn(1, "no", ""), ErrQuestionIndexOutOfRange)
	require.Empty(t, s.Conversation)

	require.NoError(t, s.appendTurn(0, "dos días", "two days"))
	require.Equal(t, PhaseAnsweringQuestions, s.Phase)
	require.False(t, s.AllAnswered())

	q, ok = s.NextQuestion()
	require.True(t, ok)
	require.Equal(t, "Any fever at all?", q)

	require.NoError(t, s.appendTurn(1, "no", "no"))
	require.True(t, s.AllAnswered())
	require.Equal(t, PhaseGeneratingRecommendation, s.Phase)
	require.Len(t, s.Conversation, s.CurrentQuestionIndex)
	require.Equal(t, Turn{Question: "Any fever at all?", Answer: "no", AnswerPivot: "no"}, s.Conversation[1])

	_, ok = s.NextQuestion()
	require.False(t, ok)
}

func TestSessionCloneIsDeep(t *testing.T) {
	text := "rest"
	s := &Session{
		Questions:          []string{"a question here"},
		Conversation:       []Turn{{Question: "q", Answer: "a"}},
		RecommendationText: &text,
	}
	c := s.Clone()
	c.Questions[0] = "changed"
	c.Conversation[0].Answer = "changed"
	*c.RecommendationText = "changed"

	require.Equal(t, "a question here", s.Questions[0])
	require.Equal(t, "a", s.Conversation[0].Answer)
	require.Equal(t, "rest", text)
}
