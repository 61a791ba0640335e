// SPDX-License-Identifier: MIT

package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/oldweb/webtape/internal/config"
)

const (
	twitterUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	twitterTweetURL  = "https://api.twitter.com/2/tweets"
	uploadChunkSize  = 1 << 20
)

// twitterCredentials is the JSON document the twitter credentials path points
// at. The chunked media upload endpoint only accepts OAuth 1.0a user context.
type twitterCredentials struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	AccessToken    string `json:"access_token"`
	AccessSecret   string `json:"access_secret"`
}

// TwitterBackend posts through the v2 tweet API with v1.1 chunked media
// uploads, both signed with OAuth 1.0a.
type TwitterBackend struct {
	hc        *http.Client
	uploadURL string
	tweetURL  string
}

// NewTwitterBackend reads the credentials file and builds the signing client.
func NewTwitterBackend(cfg config.BackendConfig) (*TwitterBackend, error) {
	raw, err := os.ReadFile(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("publisher: twitter credentials: %w", err)
	}
	var creds twitterCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("publisher: twitter credentials: %w", err)
	}
	if creds.ConsumerKey == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("publisher: twitter consumer_key and access_token are required")
	}
	oc := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessSecret)
	hc := oc.Client(oauth1.NoContext, token)
	hc.Timeout = 5 * time.Minute
	return &TwitterBackend{
		hc:        hc,
		uploadURL: twitterUploadURL,
		tweetURL:  twitterTweetURL,
	}, nil
}

func (b *TwitterBackend) Name() string { return "twitter" }

func (b *TwitterBackend) Post(ctx context.Context, status, videoPath string, _ bool) (string, error) {
	return b.tweet(ctx, "", status, videoPath)
}

func (b *TwitterBackend) Reply(ctx context.Context, parentID, status, videoPath string) (string, error) {
	return b.tweet(ctx, parentID, status, videoPath)
}

func (b *TwitterBackend) tweet(ctx context.Context, parentID, status, videoPath string) (string, error) {
	mediaID, err := b.uploadVideo(ctx, videoPath)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"text":  status,
		"media": map[string]any{"media_ids": []string{mediaID}},
	}
	if parentID != "" {
		body["reply"] = map[string]any{"in_reply_to_tweet_id": parentID}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tweetURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := b.do(req, &resp); err != nil {
		return "", fmt.Errorf("publisher: tweet: %w", err)
	}
	return resp.Data.ID, nil
}

// uploadVideo runs the INIT/APPEND/FINALIZE chunked upload and waits for
// server-side processing to finish.
func (b *TwitterBackend) uploadVideo(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	var initResp struct {
		MediaIDString string `json:"media_id_string"`
	}
	err = b.uploadCommand(ctx, url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(info.Size(), 10)},
		"media_type":     {"video/mp4"},
		"media_category": {"tweet_video"},
	}, &initResp)
	if err != nil {
		return "", fmt.Errorf("publisher: upload init: %w", err)
	}
	mediaID := initResp.MediaIDString

	buf := make([]byte, uploadChunkSize)
	for segment := 0; ; segment++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if err := b.appendChunk(ctx, mediaID, segment, buf[:n]); err != nil {
				return "", fmt.Errorf("publisher: upload append %d: %w", segment, err)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	var finResp struct {
		ProcessingInfo *struct {
			State           string `json:"state"`
			CheckAfterSecs  int    `json:"check_after_secs"`
			Error           *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"processing_info"`
	}
	err = b.uploadCommand(ctx, url.Values{
		"command":  {"FINALIZE"},
		"media_id": {mediaID},
	}, &finResp)
	if err != nil {
		return "", fmt.Errorf("publisher: upload finalize: %w", err)
	}

	for finResp.ProcessingInfo != nil {
		switch finResp.ProcessingInfo.State {
		case "succeeded":
			return mediaID, nil
		case "failed":
			msg := "processing failed"
			if finResp.ProcessingInfo.Error != nil {
				msg = finResp.ProcessingInfo.Error.Message
			}
			return "", fmt.Errorf("publisher: upload: %s", msg)
		}
		wait := time.Duration(finResp.ProcessingInfo.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		finResp.ProcessingInfo = nil
		err = b.uploadCommand(ctx, url.Values{
			"command":  {"STATUS"},
			"media_id": {mediaID},
		}, &finResp)
		if err != nil {
			return "", fmt.Errorf("publisher: upload status: %w", err)
		}
	}
	return mediaID, nil
}

func (b *TwitterBackend) uploadCommand(ctx context.Context, form url.Values, out any) error {
	method := http.MethodPost
	var body io.Reader
	target := b.uploadURL
	if form.Get("command") == "STATUS" {
		method = http.MethodGet
		target += "?" + form.Encode()
	} else {
		body = bytes.NewBufferString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return b.do(req, out)
}

func (b *TwitterBackend) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("command", "APPEND")
	_ = w.WriteField("media_id", mediaID)
	_ = w.WriteField("segment_index", strconv.Itoa(segment))
	part, err := w.CreateFormFile("media", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return b.do(req, nil)
}

func (b *TwitterBackend) do(req *http.Request, out any) error {
	resp, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
