package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBedrock struct {
	in   *bedrockruntime.InvokeModelInput
	text string
	err  error
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	body, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"text": f.text}},
	})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func TestBedrockTitlesGenerate(t *testing.T) {
	client := &fakeBedrock{text: `"Quarterly Budget Review"`}
	g := NewBedrockTitles(client, "anthropic.claude-3-haiku")

	title, err := g.Generate(context.Background(), "summarize the Q3 budget", "Here is the summary...")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Budget Review", title, "surrounding quotes are stripped")

	require.NotNil(t, client.in)
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(client.in.ModelId))

	var req struct {
		AnthropicVersion string `json:"anthropic_version"`
		MaxTokens        int    `json:"max_tokens"`
		Messages         []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(client.in.Body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req.AnthropicVersion)
	assert.Equal(t, 50, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "summarize the Q3 budget")
}

func TestBedrockTitlesTruncatesLongPreviews(t *testing.T) {
	client := &fakeBedrock{text: "Long Input"}
	g := NewBedrockTitles(client, "m")

	long := strings.Repeat("x", 5000)
	_, err := g.Generate(context.Background(), long, long)
	require.NoError(t, err)

	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(client.in.Body, &req))
	assert.Contains(t, req.Messages[0].Content, "...")
	assert.Less(t, len(req.Messages[0].Content), 3000)
}

func TestBedrockTitlesErrors(t *testing.T) {
	g := NewBedrockTitles(&fakeBedrock{err: fmt.Errorf("throttled")}, "m")
	_, err := g.Generate(context.Background(), "hi", "hello")
	assert.ErrorContains(t, err, "throttled")

	g = NewBedrockTitles(&fakeBedrock{text: "  "}, "m")
	_, err = g.Generate(context.Background(), "hi", "hello")
	assert.ErrorContains(t, err, "empty title")
}
