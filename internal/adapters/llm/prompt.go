package llm

import (
	"github.com/PabloGalante/intel-relay/internal/domain"
)

const baseSystemPrompt = `
You are "911 Intel", an AI assistant in a group chat, designed by kelpyshades.

General style guidelines:
- Answer in the SAME LANGUAGE as the user.
- Give helpful, accurate and concise answers.
- Use plain chat formatting (short paragraphs, bullet lists, code blocks when useful).
- If you do not know something, say so instead of guessing.
`

const mediaInstructions = `
You are analyzing a file the user attached.
- Describe only what is actually present in the media.
- Keep the answer brief; it must fit in a single chat message.
`

// primer opens every conversation so the model keeps its persona even on
// backends that weigh system instructions lightly.
var primer = []Message{
	{Role: domain.RoleUser, Text: "Hi!"},
	{Role: domain.RoleAssistant, Text: "Hello! I am 911 Intel, an AI assistant designed by kelpyshades!"},
	{Role: domain.RoleUser, Text: "Please give helpful and concise answers."},
	{Role: domain.RoleAssistant, Text: "I'll do my best to provide you with accurate and concise information. How can I assist you today?"},
}

type Message struct {
	Role domain.Role
	Text string
}

// Prompt is a backend-neutral request: system instructions, prior turns and
// the new user input with optional media.
type Prompt struct {
	System      string
	Messages    []Message
	Input       string
	Media       *domain.Attachment
	Temperature float32
	TopP        float32
	MaxTokens   int32
}

// BuildPrompt turns a completion request into a Prompt. Media requests get a
// lower temperature and a smaller output budget.
func BuildPrompt(req domain.CompletionRequest) Prompt {
	p := Prompt{
		System:      baseSystemPrompt,
		Input:       req.Prompt,
		Media:       req.Media,
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   8192,
	}
	if req.Media != nil {
		p.System += mediaInstructions
		p.Temperature = 0.4
		p.MaxTokens = 2048
	}

	p.Messages = make([]Message, 0, len(primer)+len(req.History))
	p.Messages = append(p.Messages, primer...)
	for _, t := range req.History {
		role := domain.RoleUser
		if t.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}
		p.Messages = append(p.Messages, Message{Role: role, Text: t.Content})
	}
	return p
}
