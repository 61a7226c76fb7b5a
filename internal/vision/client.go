// Package vision dispatches rate-limited page classification calls to a
// vision-capable chat model.
package vision

import (
	"context"
	"encoding/base64"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/pagewatch/platform/internal/apperr"
)

// ChatClient is the narrow collaborator contract: a prompt plus one JPEG
// in, raw response text out.
type ChatClient interface {
	Chat(ctx context.Context, prompt string, jpeg []byte) (string, error)
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	client openai.Client
	model  string
}

// NewClient builds a client for the configured endpoint. BaseURL may
// point at any OpenAI-compatible provider.
func NewClient(apiKey, baseURL, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openai.NewClient(opts...), model: model}
}

func (c *Client) Chat(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)

	parts := []openai.ChatCompletionContentPartUnionParam{
		{OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt}},
		{OfImageURL: &openai.ChatCompletionContentPartImageParam{
			ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL},
		}},
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			}},
		},
		MaxCompletionTokens: openai.Int(maxResponseTokens),
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeVisionAPI, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.CodeVisionAPI, "empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
