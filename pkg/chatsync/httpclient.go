package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mahaj/meeting-chat/pkg/model"
)

// APIClient talks to the history and message REST endpoints.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Login exchanges an identity for a bearer token.
func Login(ctx context.Context, baseURL string, sender model.Sender) (string, error) {
	c := NewAPIClient(baseURL, "")
	var resp model.LoginResponse
	req := model.LoginRequest{Address: sender.Address, DisplayName: sender.DisplayName}
	if err := c.do(ctx, http.MethodPost, "/login", req, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return resp.Token, nil
}

func messagesPath(channelID string) string {
	return "/channels/" + url.PathEscape(channelID) + "/messages"
}

// FetchHistory sends the cursor as before (unix ms) and before_id.
func (c *APIClient) FetchHistory(ctx context.Context, channelID string, limit int, before *model.Cursor) (model.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != nil {
		q.Set("before", strconv.FormatInt(before.Timestamp.UnixMilli(), 10))
		if before.ID != 0 {
			q.Set("before_id", strconv.FormatInt(before.ID, 10))
		}
	}
	var page model.Page
	if err := c.do(ctx, http.MethodGet, messagesPath(channelID)+"?"+q.Encode(), nil, &page); err != nil {
		return model.Page{}, err
	}
	return page, nil
}

func (c *APIClient) EditMessage(ctx context.Context, channelID string, id int64, body, requester string) (model.ChatMessage, error) {
	path := messagesPath(channelID) + "/" + strconv.FormatInt(id, 10)
	var stored model.ChatMessage
	if err := c.do(ctx, http.MethodPatch, path, model.EditRequest{Body: body, RequesterAddress: requester}, &stored); err != nil {
		return model.ChatMessage{}, err
	}
	return stored, nil
}

func (c *APIClient) DeleteMessage(ctx context.Context, channelID string, id int64, requester string) error {
	path := messagesPath(channelID) + "/" + strconv.FormatInt(id, 10)
	return c.do(ctx, http.MethodDelete, path, model.DeleteRequest{RequesterAddress: requester}, nil)
}

// Members lists the addresses present in a channel.
func (c *APIClient) Members(ctx context.Context, channelID string) ([]string, error) {
	var members []string
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/users", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrMessageNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrForbidden)
	case resp.StatusCode >= 300:
		var errResp model.ErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
