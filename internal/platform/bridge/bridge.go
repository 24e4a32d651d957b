// Package bridge is an HTTP-backed platform adapter. It forwards publish,
// verify and token refresh calls to an external connector service, one route
// per platform, keeping platform wire protocols out of the engine.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/campaignloop/publisher/internal/platform"
)

type Adapter struct {
	baseURL  string
	platform string
	client   *http.Client
}

func New(baseURL, platformName string) *Adapter {
	return &Adapter{
		baseURL:  baseURL,
		platform: platformName,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type publishRequest struct {
	AccessToken string `json:"access_token"`
	Content     string `json:"content"`
}

type publishResponse struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
}

type verifyRequest struct {
	AccessToken string `json:"access_token"`
	PostID      string `json:"post_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *Adapter) Publish(ctx context.Context, creds platform.Credentials, content string) (*platform.PublishResult, error) {
	body, err := a.post(ctx, "publish", publishRequest{
		AccessToken: creds.AccessToken,
		Content:     content,
	})
	if err != nil {
		return nil, err
	}

	var resp publishResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, platform.WrapError(platform.KindTransient, fmt.Errorf("decoding publish response: %w", err))
	}
	return &platform.PublishResult{PlatformPostID: resp.PostID, URL: resp.URL}, nil
}

func (a *Adapter) Verify(ctx context.Context, creds platform.Credentials, platformPostID string) error {
	_, err := a.post(ctx, "verify", verifyRequest{
		AccessToken: creds.AccessToken,
		PostID:      platformPostID,
	})
	return err
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*platform.TokenSet, error) {
	body, err := a.post(ctx, "refresh", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}

	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, platform.WrapError(platform.KindTransient, fmt.Errorf("decoding refresh response: %w", err))
	}
	return &platform.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func (a *Adapter) post(ctx context.Context, action string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/%s", a.baseURL, a.platform, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, platform.WrapError(platform.KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, platform.WrapError(platform.KindTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(resp.StatusCode, body)
}

// classify maps connector HTTP statuses onto the engine's error taxonomy.
// Anything unrecognized is treated as transient and retried.
func classify(status int, body []byte) error {
	msg := fmt.Sprintf("connector returned %d: %s", status, string(body))
	switch status {
	case http.StatusUnauthorized:
		return platform.NewError(platform.KindAuth, msg)
	case http.StatusForbidden:
		return platform.NewError(platform.KindPermission, msg)
	case http.StatusConflict:
		return platform.NewError(platform.KindDuplicate, msg)
	default:
		return platform.NewError(platform.KindTransient, msg)
	}
}
