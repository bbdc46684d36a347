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

type elevenLabsProvider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultVoice string
	defaultModel string
	client       *http.Client
}

func NewElevenLabsProvider(name string, cfg config.ProviderConfig) Provider {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	return &elevenLabsProvider{
		name:         name,
		baseURL:      base,
		apiKey:       cfg.APIKey,
		defaultVoice: cfg.DefaultVoice,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *elevenLabsProvider) Name() string { return p.name }

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (p *elevenLabsProvider) Synthesize(ctx context.Context, text, voice, model string) ([]byte, error) {
	if voice == "" {
		voice = p.defaultVoice
	}
	if model == "" {
		model = p.defaultModel
	}
	payload, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: model})
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/v1/text-to-speech/" + voice
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
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
			Err:        fmt.Errorf("text-to-speech request rejected: %s", strings.TrimSpace(string(body))),
		}
	}
	return io.ReadAll(resp.Body)
}
