package consultation

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// minQuestionLength drops fragments such as headings or stray numbering.
const minQuestionLength = 10

var (
	listMarker     = regexp.MustCompile(`^\s*(?:\d+\s*[.):-]|[-*•])\s*`)
	errNoQuestions = errors.New("no questions in model output")
)

// ParseQuestions extracts an ordered question list from model output. A bare
// JSON array of strings is accepted, otherwise one question per line with
// list markers removed. Output with fewer than minCount questions is
// malformed; anything beyond maxCount is dropped.
func ParseQuestions(raw string, minCount, maxCount int) ([]string, error) {
	var questions []string
	for _, q := range candidateQuestions(raw) {
		q = strings.TrimSpace(strings.Trim(strings.TrimSpace(q), `"`))
		if len([]rune(q)) <= minQuestionLength {
			continue
		}
		questions = append(questions, q)
	}

	if len(questions) == 0 {
		return nil, errNoQuestions
	}
	if len(questions) < minCount {
		return nil, errors.Errorf("model returned %d questions, need at least %d", len(questions), minCount)
	}
	if maxCount > 0 && len(questions) > maxCount {
		questions = questions[:maxCount]
	}
	return questions, nil
}

func candidateQuestions(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return list
		}
	}

	var lines []string
	for _, line := range strings.Split(trimmed, "\n") {
		lines = append(lines, listMarker.ReplaceAllString(line, ""))
	}
	return lines
}
