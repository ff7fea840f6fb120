package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LabelSchemaName names the strict schema used for label classification.
const LabelSchemaName = "participant_label_v1"

// LabelAnswer is the decoded structured response.
type LabelAnswer struct {
	Answer string `json:"answer"`
}

// LabelSchema restricts the answer to exactly one of labels.
func LabelSchema(labels []string) map[string]any {
	enum := make([]string, len(labels))
	copy(enum, labels)
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"answer"},
		"properties": map[string]any{
			"answer": map[string]any{
				"type": "string",
				"enum": enum,
			},
		},
	}
}

// ParseLabelAnswer decodes content and checks the answer against labels.
func ParseLabelAnswer(content string, labels []string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty content")
	}
	var answer LabelAnswer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return "", fmt.Errorf("content is not a label object: %w", err)
	}
	for _, label := range labels {
		if answer.Answer == label {
			return label, nil
		}
	}
	return "", fmt.Errorf("answer %q is not one of %s", answer.Answer, strings.Join(labels, ", "))
}
