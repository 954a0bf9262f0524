package transcription

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient transcribes segments with the OpenAI audio API
type OpenAIClient struct {
	client *openai.Client
	model  string
	stats  requestStats
}

// NewOpenAIClient creates a client for the OpenAI transcription endpoint.
// A non-empty config.Endpoint replaces the default base URL.
func NewOpenAIClient(config Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.Endpoint != "" {
		clientConfig.BaseURL = config.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	model := config.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}, nil
}

// Name returns the backend name
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Transcribe sends one segment for transcription. It makes a single attempt.
func (c *OpenAIClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if len(request.Audio) == 0 {
		return nil, fmt.Errorf("request has no audio")
	}

	req := openai.AudioRequest{
		Model:    c.model,
		FilePath: request.SegmentID + ".wav", // Filename hint for the API
		Reader:   bytes.NewReader(request.Audio),
		Prompt:   request.Prompt,
		Language: request.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	startTime := time.Now()
	resp, err := c.client.CreateTranscription(ctx, req)
	c.stats.record(time.Since(startTime), err)
	if err != nil {
		return nil, fmt.Errorf("OpenAI transcription request failed: %w", err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Start:        s.Start,
			End:          s.End,
			Text:         s.Text,
			NoSpeechProb: s.NoSpeechProb,
		})
	}

	return &Response{
		Text:         resp.Text,
		NoSpeechProb: AverageNoSpeechProb(segments, resp.Text),
		Language:     resp.Language,
		Duration:     resp.Duration,
		Segments:     segments,
		ProcessedAt:  time.Now(),
	}, nil
}

// GetStats returns current client statistics
func (c *OpenAIClient) GetStats() ClientStats {
	return c.stats.snapshot(c.Name())
}
