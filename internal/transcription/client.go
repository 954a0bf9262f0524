package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient posts segments as multipart form data to a whisper-server
// style endpoint and reads a verbose JSON reply
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	stats      requestStats
}

// Config contains transcription client configuration
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// httpResponse is the wire form of the service's reply. NoSpeechProb is a
// pointer so a service that reports it directly can be told apart from one
// that leaves it to the segments.
type httpResponse struct {
	Text         string    `json:"text"`
	NoSpeechProb *float64  `json:"no_speech_prob"`
	Language     string    `json:"language"`
	Duration     float64   `json:"duration"`
	Segments     []Segment `json:"segments"`
}

// NewHTTPClient creates a new transcription HTTP client
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Name returns the backend name
func (c *HTTPClient) Name() string {
	return "http"
}

// Transcribe sends one segment for transcription. It makes a single attempt.
func (c *HTTPClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	startTime := time.Now()

	response, err := c.doRequest(ctx, request)
	c.stats.record(time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	return response, nil
}

// doRequest performs a single HTTP request to the transcription API
func (c *HTTPClient) doRequest(ctx context.Context, request *Request) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "turk-listener/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var wire httpResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	response := &Response{
		Text:        wire.Text,
		Language:    wire.Language,
		Duration:    wire.Duration,
		Segments:    wire.Segments,
		ProcessedAt: time.Now(),
	}
	if wire.NoSpeechProb != nil && len(wire.Segments) == 0 {
		response.NoSpeechProb = *wire.NoSpeechProb
	} else {
		response.NoSpeechProb = AverageNoSpeechProb(wire.Segments, wire.Text)
	}

	return response, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *HTTPClient) createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if len(request.Audio) == 0 {
		return nil, "", fmt.Errorf("request has no audio")
	}

	fileWriter, err := writer.CreateFormFile("file", request.SegmentID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(request.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"segment_id", request.SegmentID},
		{"sample_rate", strconv.Itoa(request.SampleRate)},
		{"channels", strconv.Itoa(request.Channels)},
		{"duration", fmt.Sprintf("%.3f", request.Duration.Seconds())},
		{"started_at", request.StartedAt.Format(time.RFC3339)},
		{"response_format", "verbose_json"},
	}

	if request.Language != "" {
		fields = append(fields, [2]string{"language", request.Language})
	}
	if request.Prompt != "" {
		fields = append(fields, [2]string{"prompt", request.Prompt})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() ClientStats {
	return c.stats.snapshot(c.Name())
}
