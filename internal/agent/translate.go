package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"medical-intake/internal/translation"
)

const googleTranslateURL = "https://translation.googleapis.com/language/translate/v2"

type googleTranslator struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewGoogleTranslator calls the Cloud Translation v2 REST API. An empty
// endpoint selects the public one.
func NewGoogleTranslator(apiKey, endpoint string) translation.Translator {
	if endpoint == "" {
		endpoint = googleTranslateURL
	}
	return &googleTranslator{
		apiKey:   apiKey,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type translateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

func (c *googleTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Q:      []string{text},
		Source: source,
		Target: target,
		Format: "text",
	})
	if err != nil {
		return "", err
	}

	endpoint := c.endpoint + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "translate request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errors.Errorf("translate API error: %s - %s", resp.Status, string(respBody))
	}

	var result translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "decode translate response")
	}
	if len(result.Data.Translations) == 0 {
		return "", errors.New("translate API returned no translations")
	}
	return html.UnescapeString(result.Data.Translations[0].TranslatedText), nil
}
