// SPDX-License-Identifier: MIT

package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-mastodon"

	"github.com/oldweb/webtape/internal/config"
)

// mastodonCredentials is the JSON document the mastodon credentials path
// points at.
type mastodonCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token"`
}

// MastodonBackend posts through a mastodon-compatible instance API.
type MastodonBackend struct {
	client *mastodon.Client
}

// NewMastodonBackend reads the credentials file and builds the client.
func NewMastodonBackend(cfg config.BackendConfig) (*MastodonBackend, error) {
	raw, err := os.ReadFile(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("publisher: mastodon credentials: %w", err)
	}
	var creds mastodonCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("publisher: mastodon credentials: %w", err)
	}
	if cfg.Server == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("publisher: mastodon server and access_token are required")
	}
	return &MastodonBackend{
		client: mastodon.NewClient(&mastodon.Config{
			Server:       cfg.Server,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			AccessToken:  creds.AccessToken,
		}),
	}, nil
}

func (b *MastodonBackend) Name() string { return "mastodon" }

func (b *MastodonBackend) Post(ctx context.Context, status, videoPath string, sensitive bool) (string, error) {
	return b.post(ctx, "", status, videoPath, sensitive)
}

func (b *MastodonBackend) Reply(ctx context.Context, parentID, status, videoPath string) (string, error) {
	return b.post(ctx, parentID, status, videoPath, false)
}

func (b *MastodonBackend) post(ctx context.Context, parentID, status, videoPath string, sensitive bool) (string, error) {
	attachment, err := b.client.UploadMedia(ctx, videoPath)
	if err != nil {
		return "", fmt.Errorf("publisher: mastodon upload: %w", err)
	}
	toot := &mastodon.Toot{
		Status:      status,
		MediaIDs:    []mastodon.ID{attachment.ID},
		Sensitive:   sensitive,
		InReplyToID: mastodon.ID(parentID),
	}
	posted, err := b.client.PostStatus(ctx, toot)
	if err != nil {
		return "", fmt.Errorf("publisher: mastodon post: %w", err)
	}
	return string(posted.ID), nil
}
