// Package api implements the out-of-band REST operations the chat
// client performs next to the socket: renaming a conversation,
// uploading media for a durable key, and synthesizing speech from
// text. Each request carries a freshly derived session token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/sirupsen/logrus"
)

// TokenProvider derives a bearer token for a request. Consulted per
// request so a rotated token is never reused stale.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RequestError describes a non-2xx response.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client performs the REST operations. The zero value is not usable;
// construct with NewClient.
type Client struct {
	base   string
	tokens TokenProvider
	http   *http.Client
}

// NewClient creates a REST client for the given base URL. A nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL string, tokens TokenProvider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   baseURL,
		tokens: tokens,
		http:   httpClient,
	}
}

// RenameConversation updates a conversation title by id.
func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) error {
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return fmt.Errorf("encode rename body: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s", c.base, conversationID)
	_, err = c.do(ctx, "rename", http.MethodPut, url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "RenameConversation",
		"conversation_id": conversationID,
	}).Info("Conversation renamed")
	return nil
}

// UploadMedia uploads a local file for the given message attachment
// and returns the durable media key the server issued for it.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload payload: %w", err)
	}
	if err := mw.WriteField("contentType", contentType); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	respBody, err := c.do(ctx, "upload", http.MethodPost, c.base+"/media", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var resp struct {
		MediaID string `json:"mediaId"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("upload response missing media id")
	}

	logrus.WithFields(logrus.Fields{
		"function": "UploadMedia",
		"filename": filename,
		"media_id": resp.MediaID,
	}).Info("Media uploaded")
	return resp.MediaID, nil
}

// Synthesize converts text to playable audio for the given agent
// voice and returns the raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, text, agentID string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"text":    text,
		"agentId": agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis body: %w", err)
	}

	audio, err := c.do(ctx, "synthesize", http.MethodPost, c.base+"/tts", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Synthesize",
		"agent_id": agentID,
		"bytes":    len(audio),
	}).Debug("Speech synthesized")
	return audio, nil
}

// do runs one authenticated request and returns the response body.
func (c *Client) do(ctx context.Context, op, method, url, contentType string, body io.Reader) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("derive token for %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
