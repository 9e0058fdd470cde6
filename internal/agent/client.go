package agent

import (
	"context"
	"io"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/pkg/errors"

	"medical-intake/internal/consultation"
	"medical-intake/internal/stream"
)

const (
	defaultDeepSeekURL   = "https://api.deepseek.com/v1/"
	defaultDeepSeekModel = "deepseek-chat"
)

type DeepSeekConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type deepSeekClient struct {
	client openai.Client
	cfg    DeepSeekConfig
}

// NewDeepSeekClient talks to any OpenAI-compatible chat completion endpoint.
// Retries are left to the caller.
func NewDeepSeekClient(cfg DeepSeekConfig) consultation.Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepSeekURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultDeepSeekModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	return &deepSeekClient{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(0),
		),
		cfg: cfg,
	}
}

func (c *deepSeekClient) params(p consultation.Prompt) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.User))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.Model),
		Messages:    messages,
		Temperature: openai.Float(c.cfg.Temperature),
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
	}
}

func (c *deepSeekClient) Complete(ctx context.Context, p consultation.Prompt) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.client.Chat.Completions.New(ctx, c.params(p))
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *deepSeekClient) Stream(ctx context.Context, p consultation.Prompt) (stream.Source, error) {
	s := c.client.Chat.Completions.NewStreaming(ctx, c.params(p))
	if err := s.Err(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "open chat stream")
	}
	return &chatSource{stream: s}, nil
}

// chatSource adapts an SSE completion stream to stream.Source. The upstream
// sentinel is consumed by the SDK, so a finish reason is what tells a complete
// answer apart from a dropped connection.
type chatSource struct {
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	finished bool
	done     bool
}

func (s *chatSource) Recv(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return "", err
			}
			if !s.finished {
				return "", io.ErrUnexpectedEOF
			}
			s.done = true
			return stream.EndOfStream, nil
		}

		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finished = true
		}
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
	}
}

func (s *chatSource) Close() error {
	return s.stream.Close()
}
