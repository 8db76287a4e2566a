package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// titlePrompt keeps the model on a short leash: a title, nothing else.
const titlePrompt = "Summarize the following conversation opening as a title of at most six words. Reply with the title only, no quotes.\n\nUser: %s\n\nAssistant: %s"

// maxPreviewLen bounds how much of each side of the first turn is sent.
const maxPreviewLen = 1000

// BedrockAPI is the slice of the Bedrock runtime client the title generator
// uses.
type BedrockAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockTitles generates conversation titles with a small Bedrock model,
// separate from the conversation's own model so titling never consumes the
// agent's context.
type BedrockTitles struct {
	client  BedrockAPI
	modelID string
}

// NewBedrockTitles builds the generator.
func NewBedrockTitles(client BedrockAPI, modelID string) *BedrockTitles {
	return &BedrockTitles{client: client, modelID: modelID}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Generate produces the title from the first exchange.
func (t *BedrockTitles) Generate(ctx context.Context, userInput, resultPreview string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        50,
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: fmt.Sprintf(titlePrompt, truncate(userInput), truncate(resultPreview)),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal title request: %w", err)
	}

	out, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoke title model: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("decode title response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("title model returned no content")
	}

	title := strings.TrimSpace(strings.Trim(resp.Content[0].Text, "\"'"))
	if title == "" {
		return "", fmt.Errorf("title model returned an empty title")
	}
	return title, nil
}

func truncate(s string) string {
	if len(s) <= maxPreviewLen {
		return s
	}
	return s[:maxPreviewLen] + "..."
}
