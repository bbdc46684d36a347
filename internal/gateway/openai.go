package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cachevoice/cachevoice/internal/config"
)

// openAIProvider speaks the OpenAI-compatible speech endpoint. MiniMax-style
// gateways expose the same shape, so the base URL decides which service this
// hits.
type openAIProvider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultVoice string
	defaultModel string
	client       *http.Client
}

func NewOpenAIProvider(name string, cfg config.ProviderConfig) Provider {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &openAIProvider{
		name:         name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultVoice: cfg.DefaultVoice,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *openAIProvider) Name() string { return p.name }

type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

func (p *openAIProvider) Synthesize(ctx context.Context, text, voice, model string) ([]byte, error) {
	if voice == "" {
		voice = p.defaultVoice
	}
	if model == "" {
		model = p.defaultModel
	}
	payload, err := json.Marshal(speechRequest{
		Input:          text,
		Voice:          voice,
		Model:          model,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("speech request rejected: %s", strings.TrimSpace(string(body))),
		}
	}
	return io.ReadAll(resp.Body)
}
