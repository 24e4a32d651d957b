package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator returns a ContentGenerator backed by an external content
// service. What model or template produces the text is the service's concern.
func NewHTTPGenerator(baseURL string) ContentGenerator {
	return &httpGenerator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	UserID      int64  `json:"user_id"`
	Platform    string `json:"platform"`
	Topic       string `json:"topic"`
	Tone        string `json:"tone"`
	ContentType string `json:"content_type"`
}

type generateResponse struct {
	Content string `json:"content"`
}

func (g *httpGenerator) Generate(ctx context.Context, userID int64, platform, topic, tone, contentType string) (string, error) {
	data, err := json.Marshal(generateRequest{
		UserID:      userID,
		Platform:    platform,
		Topic:       topic,
		Tone:        tone,
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("content service returned %d: %s", resp.StatusCode, string(body))
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", fmt.Errorf("decoding content response: %w", err)
	}
	return gr.Content, nil
}
