package consultation

import (
	"strings"

	"github.com/pkg/errors"

	"medical-intake/internal/stream"
	"medical-intake/internal/translation"
)

var (
	ErrInvalidPatientInfo      = errors.New("invalid patient info")
	ErrInvalidComplaint        = errors.New("invalid complaint")
	ErrInvalidAnswer           = errors.New("invalid answer")
	ErrInvalidPhaseTransition  = errors.New("invalid phase transition")
	ErrQuestionIndexOutOfRange = errors.New("question index out of range")
	ErrSessionBusy             = errors.New("session busy")
	ErrSessionNotFound         = errors.New("session not found")
	ErrNotCompleted            = errors.New("session not completed")
	ErrUpstreamGeneration      = errors.New("upstream generation failure")
	ErrVersionConflict         = errors.New("session version conflict")

	ErrTranslationFailure = translation.ErrFailure
	ErrStreamAborted      = stream.ErrAborted
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
