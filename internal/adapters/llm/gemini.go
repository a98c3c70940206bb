package llm

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"google.golang.org/genai"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const blockedMessage = "I'm sorry, but I cannot respond to that request as it may violate content safety guidelines."

type GeminiConfig struct {
	// APIKey selects the Gemini Developer API. Without it the client uses
	// Vertex AI with Project and Location and application default credentials.
	APIKey   string
	Project  string
	Location string
	Model    string
}

type GeminiClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiClient creates a domain.ModelClient backed by Gemini.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{}
	switch {
	case cfg.APIKey != "":
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case cfg.Project != "" && cfg.Location != "":
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("gemini needs an API key or a project and location")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiClient{
		client:    client,
		modelName: cfg.Model,
	}, nil
}

func (g *GeminiClient) ModelName() string {
	return g.modelName
}

// Complete implements domain.ModelClient.
func (g *GeminiClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	p := BuildPrompt(req)

	contents := make([]*genai.Content, 0, len(p.Messages)+1)
	for _, m := range p.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	var parts []*genai.Part
	if p.Media != nil {
		if len(p.Media.Data) == 0 {
			return "", domain.InvalidInput("The attachment is empty.")
		}
		parts = append(parts, genai.NewPartFromBytes(p.Media.Data, mimeTypeOf(p.Media)))
	}
	parts = append(parts, genai.NewPartFromText(p.Input))
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

	temp, topP := p.Temperature, p.TopP
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   p.MaxTokens,
	}

	res, err := g.client.Models.GenerateContent(ctx, g.modelName, contents, cfg)
	if err != nil {
		return "", geminiFailure(err)
	}

	if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		return "", &domain.UpstreamError{
			Kind:   domain.FailureInvalidInput,
			Public: blockedMessage,
			Err:    fmt.Errorf("gemini blocked prompt: %s", res.PromptFeedback.BlockReason),
		}
	}

	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return text, nil
}

func geminiFailure(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &domain.UpstreamError{
			Kind: domain.FailureFromStatus(apiErr.Code),
			Err:  fmt.Errorf("gemini generate content: %w", err),
		}
	}
	return fmt.Errorf("gemini generate content: %w", err)
}

func mimeTypeOf(att *domain.Attachment) string {
	if att.MimeType != "" {
		return att.MimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(att.Filename)); t != "" {
		return t
	}
	switch att.Kind {
	case domain.MediaImage:
		return "image/png"
	case domain.MediaVideo:
		return "video/mp4"
	default:
		return "audio/mpeg"
	}
}
