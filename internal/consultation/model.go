package consultation

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Gender string

const (
	GenderMale        Gender = "male"
	GenderFemale      Gender = "female"
	GenderUndisclosed Gender = "undisclosed"
)

// ParseGender maps free-form input to a known gender, defaulting to undisclosed.
func ParseGender(s string) Gender {
	switch Gender(normalize(s)) {
	case GenderMale:
		return GenderMale
	case GenderFemale:
		return GenderFemale
	default:
		return GenderUndisclosed
	}
}

type Patient struct {
	Age    int    `json:"age"`
	Gender Gender `json:"gender"`
}

// PatientInfo is the intake form submitted when a session is created.
type PatientInfo struct {
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	Language  string `json:"language"`
	Complaint string `json:"complaint,omitempty"`
}

// Turn is one answered question. AnswerPivot caches the pivot-language answer.
type Turn struct {
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	AnswerPivot string `json:"answer_pivot,omitempty"`
}

// Session represents the aggregate root
type Session struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	Phase    Phase   `json:"phase"`
	Patient  Patient `json:"patient"`
	Language string  `json:"language"`

	InitialComplaint  string `json:"initial_complaint"`
	ComplaintPivot    string `json:"complaint_pivot,omitempty"`
	ComplaintRecorded bool   `json:"complaint_recorded"`

	// Questions are in the pivot language; LocalizedQuestions mirror them for the patient.
	Questions            []string `json:"questions"`
	LocalizedQuestions   []string `json:"localized_questions"`
	Conversation         []Turn   `json:"conversation"`
	CurrentQuestionIndex int      `json:"current_question_index"`

	RecommendationText      *string `json:"recommendation_text"`
	RecommendationPivotText *string `json:"recommendation_pivot_text"`
	PrescriptionRef         *string `json:"prescription_ref"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Questions = append([]string(nil), s.Questions...)
	c.LocalizedQuestions = append([]string(nil), s.LocalizedQuestions...)
	c.Conversation = append([]Turn(nil), s.Conversation...)
	c.RecommendationText = cloneString(s.RecommendationText)
	c.RecommendationPivotText = cloneString(s.RecommendationPivotText)
	c.PrescriptionRef = cloneString(s.PrescriptionRef)
	return &c
}

func (s *Session) Terminal() bool {
	return s.Status != StatusActive
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
