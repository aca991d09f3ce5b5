package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CloudProvider calls a hosted vision API over HTTP. It is preferred when
// credentials are configured: better accuracy and native word-level
// confidence, at a per-call cost.
type CloudProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewCloudProvider builds the cloud adapter. Endpoint and API key come from
// config; an empty key leaves the provider unavailable.
func NewCloudProvider(endpoint, apiKey string, timeout time.Duration) *CloudProvider {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &CloudProvider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *CloudProvider) Name() string { return "cloud-vision" }

// Available reports whether credentials are configured.
func (p *CloudProvider) Available() bool {
	return p.endpoint != "" && p.apiKey != ""
}

type cloudRequest struct {
	Image string `json:"image"` // base64-encoded bytes
}

type cloudResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

func (p *CloudProvider) Recognize(ctx context.Context, data []byte) (Result, error) {
	start := time.Now()

	if !p.Available() {
		return Result{}, fmt.Errorf("cloud provider is not configured")
	}

	body, err := json.Marshal(cloudRequest{Image: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call vision api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("vision api status %d: %s", resp.StatusCode, snippet)
	}

	var parsed cloudResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	words := make([]Word, 0, len(parsed.Words))
	for _, w := range parsed.Words {
		words = append(words, Word{Text: w.Text, Confidence: w.Confidence})
	}

	confidence := parsed.Confidence
	if confidence == 0 {
		confidence = textConfidence(parsed.Text)
	}

	elapsed := time.Since(start)
	return Result{
		Text:             parsed.Text,
		Confidence:       confidence,
		Words:            words,
		Source:           p.Name(),
		ProcessingTime:   elapsed,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}
