package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"medical-intake/internal/consultation"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	BaseURL string
}

type elevenLabsClient struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabsClient(cfg ElevenLabsConfig) consultation.TextToSpeech {
	if cfg.VoiceID == "" {
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsAPIURL
	}
	return &elevenLabsClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type ttsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	LanguageCode  string `json:"language_code,omitempty"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

func (c *elevenLabsClient) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.VoiceID)

	reqBody := ttsRequest{
		Text:         text,
		ModelID:      "eleven_multilingual_v2",
		LanguageCode: language,
	}
	reqBody.VoiceSettings.Stability = 0.5
	reqBody.VoiceSettings.SimilarityBoost = 0.75

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tts request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("TTS API error: %s - %s", resp.Status, string(body))
	}

	return io.ReadAll(resp.Body)
}
