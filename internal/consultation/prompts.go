package consultation

import (
	"fmt"
	"strings"
)

// Prompt is a single system+user exchange sent to the model.
type Prompt struct {
	System string
	User   string
}

const (
	questionsSystem      = "You are a medical assessment assistant. Be thorough but concise."
	recommendationSystem = "You are a medical advisor. Provide clear, actionable guidance."
)

func questionsPrompt(complaint string, p Patient, minCount, maxCount int, strict bool) Prompt {
	var b strings.Builder
	b.WriteString("You are a medical professional conducting an initial assessment. ")
	fmt.Fprintf(&b, "Based on the patient's complaint, generate between %d and %d focused diagnostic follow-up questions ", minCount, maxCount)
	b.WriteString("that help narrow down the diagnosis.\n\n")
	fmt.Fprintf(&b, "Patient: age %d, gender %s\n", p.Age, p.Gender)
	fmt.Fprintf(&b, "Patient's complaint: %s\n\n", complaint)
	if strict {
		b.WriteString("Respond with ONLY a JSON array of question strings, for example [\"How long have you had the pain?\"]. ")
		b.WriteString("No numbering, no commentary, no markdown.")
	} else {
		fmt.Fprintf(&b, "Format each question on its own line, numbered 1-%d.", maxCount)
	}

	system := questionsSystem
	if strict {
		system += " Your previous answer could not be parsed; follow the output format exactly."
	}
	return Prompt{System: system, User: b.String()}
}

// ConversationSummary renders the complaint and turns in the pivot language.
func ConversationSummary(complaint string, turns []Turn) string {
	lines := []string{"Initial complaint: " + complaint}
	for _, t := range turns {
		answer := t.AnswerPivot
		if answer == "" {
			answer = t.Answer
		}
		lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", t.Question, answer))
	}
	return strings.Join(lines, "\n")
}

func recommendationPrompt(complaint string, turns []Turn, p Patient) Prompt {
	user := fmt.Sprintf(`Based on the following patient information and conversation, provide:
1. A likely diagnosis (or differential diagnosis if uncertain)
2. Recommended medications with dosage
3. Lifestyle recommendations
4. When to seek emergency care

Patient information:
- Age: %d
- Gender: %s

Consultation Summary:
%s

Provide clear, actionable medical guidance. Include appropriate disclaimers.`, p.Age, p.Gender, ConversationSummary(complaint, turns))

	return Prompt{System: recommendationSystem, User: user}
}
