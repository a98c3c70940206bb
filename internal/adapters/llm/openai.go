package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

type OpenAIConfig struct {
	APIKey string
	// BaseURL points at an OpenAI-compatible endpoint; empty means api.openai.com.
	BaseURL string
	Model   string
}

type OpenAIClient struct {
	client    *openai.Client
	modelName string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(oc),
		modelName: cfg.Model,
	}, nil
}

func (o *OpenAIClient) ModelName() string {
	return o.modelName
}

// Complete implements domain.ModelClient. Only images are accepted as media.
func (o *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	p := BuildPrompt(req)

	msgs := make([]openai.ChatCompletionMessage, 0, len(p.Messages)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: p.System,
	})
	for _, m := range p.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if p.Media != nil {
		if p.Media.Kind != domain.MediaImage {
			return "", domain.InvalidInput(fmt.Sprintf("This model cannot analyze %s files.", p.Media.Kind))
		}
		if len(p.Media.Data) == 0 {
			return "", domain.InvalidInput("The attachment is empty.")
		}
		dataURL := "data:" + mimeTypeOf(p.Media) + ";base64," + base64.StdEncoding.EncodeToString(p.Media.Data)
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: p.Input},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: openai.ImageURLDetailAuto,
			}},
		}
	} else {
		user.Content = p.Input
	}
	msgs = append(msgs, user)

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.modelName,
		Messages:    msgs,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   int(p.MaxTokens),
	})
	if err != nil {
		return "", openAIFailure(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", &domain.UpstreamError{
			Kind:   domain.FailureInvalidInput,
			Public: blockedMessage,
			Err:    errors.New("openai content filter"),
		}
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("openai returned empty text")
	}
	return choice.Message.Content, nil
}

func openAIFailure(err error) error {
	wrapped := fmt.Errorf("openai chat completion: %w", err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &domain.UpstreamError{Kind: domain.FailureFromStatus(apiErr.HTTPStatusCode), Err: wrapped}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &domain.UpstreamError{Kind: domain.FailureFromStatus(reqErr.HTTPStatusCode), Err: wrapped}
	}
	return wrapped
}
