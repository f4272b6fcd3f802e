package agentevent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Question is a clarifying question produced by a research sub-run.
// RequiresInput is true when one of the options signals a free-form choice,
// in which case the UI must collect free text.
type Question struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	RequiresInput bool     `json:"requires_input"`
}

// Answer is the user's answer to one clarifying question.
type Answer struct {
	QuestionID     string `json:"question_id"`
	SelectedOption string `json:"selected_option"`
	CustomInput    string `json:"custom_input,omitempty"`
}

// rawQuestion is the wire shape inside a research_questions artifact.
type rawQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// freeFormMarkers are option texts that signal a free-form choice.
var freeFormMarkers = []string{"something else", "other"}

// ParseResearchQuestions extracts clarifying questions from the content of a
// research_questions artifact. Content is a JSON array of question objects.
func ParseResearchQuestions(content string) ([]Question, error) {
	var raws []rawQuestion
	if err := json.Unmarshal([]byte(content), &raws); err != nil {
		return nil, fmt.Errorf("failed to parse research questions: %w", err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("research questions artifact is empty")
	}

	questions := make([]Question, 0, len(raws))
	for i, raw := range raws {
		q := Question{
			ID:       raw.ID,
			Question: raw.Question,
			Options:  raw.Options,
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		for _, opt := range raw.Options {
			if isFreeFormOption(opt) {
				q.RequiresInput = true
				break
			}
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func isFreeFormOption(option string) bool {
	lower := strings.ToLower(option)
	for _, marker := range freeFormMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
