package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

const maxResponseBytes = 64 << 20

// HTTPClient talks to an Evolution-style REST gateway. Every request carries
// the API key in the "apikey" header.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a REST gateway client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText sends a text message and returns the gateway's message id.
func (c *HTTPClient) SendText(ctx context.Context, instance, to, text string) (string, error) {
	var resp sendResponse
	body := map[string]any{"number": to, "text": text}
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance), body, &resp); err != nil {
		return "", err
	}
	return resp.Key.ID, nil
}

// SendMedia sends a media message and returns the gateway's message id.
func (c *HTTPClient) SendMedia(ctx context.Context, instance string, req SendMediaRequest) (string, error) {
	media := req.URL
	if media == "" {
		media = base64.StdEncoding.EncodeToString(req.Data)
	}
	body := map[string]any{
		"number":    req.To,
		"mediatype": mediaKind(req.Type),
		"mimetype":  req.Mimetype,
		"caption":   req.Caption,
		"fileName":  req.FileName,
		"media":     media,
	}
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendMedia/"+url.PathEscape(instance), body, &resp); err != nil {
		return "", err
	}
	return resp.Key.ID, nil
}

// MarkAsRead sends read receipts for keys.
func (c *HTTPClient) MarkAsRead(ctx context.Context, instance string, keys []MessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	body := map[string]any{"readMessages": keys}
	return c.do(ctx, http.MethodPost, "/chat/markMessageAsRead/"+url.PathEscape(instance), body, nil)
}

// MarkChatUnread flags a chat as unread on the phone.
func (c *HTTPClient) MarkChatUnread(ctx context.Context, instance, remoteJID string) error {
	body := map[string]any{"chat": remoteJID}
	return c.do(ctx, http.MethodPost, "/chat/markChatUnread/"+url.PathEscape(instance), body, nil)
}

// FetchContactInfo returns the profile of an individual.
func (c *HTTPClient) FetchContactInfo(ctx context.Context, instance, jid string) (*ContactInfo, error) {
	var resp struct {
		WUID    string `json:"wuid"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	body := map[string]any{"number": jid}
	if err := c.do(ctx, http.MethodPost, "/chat/fetchProfile/"+url.PathEscape(instance), body, &resp); err != nil {
		return nil, err
	}
	return &ContactInfo{JID: jid, Name: resp.Name, PictureURL: resp.Picture}, nil
}

// FetchGroupInfo returns a group's subject and picture.
func (c *HTTPClient) FetchGroupInfo(ctx context.Context, instance, jid string) (*GroupInfo, error) {
	var resp struct {
		ID         string `json:"id"`
		Subject    string `json:"subject"`
		PictureURL string `json:"pictureUrl"`
	}
	path := "/group/findGroupInfos/" + url.PathEscape(instance) + "?groupJid=" + url.QueryEscape(jid)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &GroupInfo{JID: jid, Subject: resp.Subject, PictureURL: resp.PictureURL}, nil
}

// DownloadMedia asks the gateway to fetch and decrypt a received file.
func (c *HTTPClient) DownloadMedia(ctx context.Context, instance string, req MediaRequest) ([]byte, error) {
	body := map[string]any{
		"message":      map[string]any{"key": req.Key},
		"convertToMp4": false,
	}
	var resp struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/getBase64FromMediaMessage/"+url.PathEscape(instance), body, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Base64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode media: %v", ErrGateway, err)
	}
	return data, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrGateway, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	c.logger.Debug("gateway call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrGateway, method, path, resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	return nil
}

func mediaKind(t store.MessageType) string {
	switch t {
	case store.TypeImage:
		return "image"
	case store.TypeVideo:
		return "video"
	case store.TypeAudio:
		return "audio"
	default:
		return "document"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
