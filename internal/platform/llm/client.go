// Package llm talks to an OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// Role of a chat turn sent to the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role    Role
	Content string
}

// Request describes one completion. When Schema is set the model is asked
// for JSON matching it and Response.Content holds that JSON.
type Request struct {
	SystemPrompt string
	Messages     []Message
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  *float64 // nil = model default
}

type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Client is the language model collaborator.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type openaiClient struct {
	openai openai.Client
	model  string
	logger zerolog.Logger
}

// New returns a Client backed by the OpenAI API. The SDK's own retries are
// disabled; callers decide whether to try again.
func New(cfg Config, logger zerolog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &openaiClient{
		openai: openai.NewClient(opts...),
		model:  model,
		logger: logger.With().Str("component", "llm").Logger(),
	}, nil
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	params := openai.ChatCompletionNewParams{
		Model:     c.model,
		Messages:  convertMessages(req),
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.SchemaName,
					Description: openai.String("Structured response schema"),
					Schema:      req.Schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, upstream(err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int64("prompt_tokens", resp.Usage.PromptTokens).
		Int64("completion_tokens", resp.Usage.CompletionTokens).
		Msg("llm completion")

	if len(resp.Choices) == 0 {
		return nil, &apperr.UpstreamError{Op: "llm.complete", Err: errors.New("no choices in response")}
	}

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (c *openaiClient) Model() string {
	return c.model
}

func convertMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func upstream(err error) error {
	ue := &apperr.UpstreamError{Op: "llm.complete", Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ue.StatusCode = apiErr.StatusCode
	}
	return ue
}

// CompleteJSON runs req with the schema generated from T and decodes the
// model's answer into a T.
func CompleteJSON[T any](ctx context.Context, c Client, req Request) (T, error) {
	var out T
	if req.Schema == nil {
		req.Schema = GenerateSchema[T]()
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return out, &apperr.UpstreamError{Op: "llm.decode", Err: fmt.Errorf("unmarshal %s: %w", req.SchemaName, err)}
	}
	return out, nil
}

// GenerateSchema reflects a strict JSON schema for T.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

func Temp(t float64) *float64 {
	return &t
}
