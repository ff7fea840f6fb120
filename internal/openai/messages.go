package openai

import (
	"github.com/tetraminz/dyad_predict/internal/dataset"
	"github.com/tetraminz/dyad_predict/internal/window"
)

const participantSystemPrompt = `You are taking part in a recorded conversation between two participants.
Your own earlier messages are the assistant messages; the other participant's messages are the user messages.
Stay in character as the participant whose messages are marked as yours.
Answer the final question about yourself using only what the conversation reveals.
Reply only with JSON that matches the provided schema.`

// ParticipantName is the chat name attached to a participant's messages.
func ParticipantName(p dataset.Participant) string {
	return "Participant_" + string(p)
}

// ParticipantMessages renders w from the point of view of the participant
// under prediction and closes with question.
func ParticipantMessages(w window.Window, question string) []Message {
	out := make([]Message, 0, len(w.Turns)+2)
	out = append(out, Message{Role: "system", Content: participantSystemPrompt})
	for _, m := range w.Messages() {
		role := "user"
		if m.Role == window.Self {
			role = "assistant"
		}
		out = append(out, Message{Role: role, Content: m.Content, Name: ParticipantName(m.Author)})
	}
	return append(out, Message{Role: "user", Content: question})
}

// TransformMessages sends the rendered transcript under a caller prompt.
func TransformMessages(prompt string, w window.Window) []Message {
	return []Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: w.Transcript()},
	}
}
