// Package genai extracts structured intents from free-form Portuguese
// messages using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned indicates the completion carried no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// systemInstruction tells the model to answer with a single JSON object and
// nothing else. The field vocabulary mirrors models.ResolvedIntent.
const systemInstruction = `Você é um classificador de intenções para um estúdio de tatuagem.
Analise a mensagem do cliente e responda SOMENTE com um objeto JSON, sem texto adicional.
Formato: {"intent": "...", "confirmation": "...", "service": "...", "date_str": "...", "time_str": "..."}
Valores possíveis de intent: schedule, cancel, get_info, course_info, human_transfer, greeting, confirmation, ask_availability, thanking, unknown.
confirmation: "yes", "no" ou omitido. Omita campos que a mensagem não menciona.
date_str: expressão de data como o cliente escreveu (ex.: "amanha", "sexta", "25/12").
time_str: horário no formato HH:MM quando mencionado.`

// historyWindow bounds how many recent turns accompany the message. Three
// turns are enough for anaphora ("esse mesmo", "pode ser") without leaking
// the whole conversation into every request.
const historyWindow = 3

// jsonObjectRegex grabs the first balanced-looking JSON object from a reply
// that may be wrapped in prose or code fences.
var jsonObjectRegex = regexp.MustCompile(`\{[^{}]*\}`)

// chatService defines the minimal chat-completions surface, allowing tests to
// substitute a mock.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configurable options for the classifier client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the classifier client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the completion model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client classifies messages through the OpenAI chat-completions API. It
// satisfies intent.Classifier.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient creates a classifier client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// ExtractIntent asks the model to classify one message given the recent
// conversation window. The reply is parsed leniently: the first JSON object
// found is used, and out-of-set values are coerced back into the enums.
func (c *Client) ExtractIntent(ctx context.Context, message string, history []models.HistoryMessage) (models.ResolvedIntent, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemInstruction),
	}
	for _, turn := range lastTurns(history, historyWindow) {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(message))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return models.ResolvedIntent{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return models.ResolvedIntent{}, ErrNoChoicesReturned
	}
	return parseIntentReply(resp.Choices[0].Message.Content)
}

// parseIntentReply extracts and decodes the JSON object inside a model reply.
func parseIntentReply(content string) (models.ResolvedIntent, error) {
	raw := jsonObjectRegex.FindString(content)
	if raw == "" {
		return models.ResolvedIntent{}, fmt.Errorf("no JSON object in classifier reply")
	}
	var resolved models.ResolvedIntent
	if err := json.Unmarshal([]byte(raw), &resolved); err != nil {
		return models.ResolvedIntent{}, fmt.Errorf("failed to decode classifier reply: %w", err)
	}
	resolved.Normalize()
	return resolved, nil
}

func lastTurns(history []models.HistoryMessage, n int) []models.HistoryMessage {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
