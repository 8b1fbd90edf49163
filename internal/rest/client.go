// Package rest is the credentialed request client: every call carries
// the current access token, and a single authorization failure triggers
// exactly one silent renewal before the call is retried.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"boltalka/internal/creds"
	"boltalka/internal/models"
)

// RequestError is a non-auth failure surfaced to the invoking command.
// The conversation and message state is left unchanged by it.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
	creds   *creds.Store
	log     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, store *creds.Store, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   store,
		log:     log,
	}
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates with username and password and stores the
// resulting credential pair. It is exempt from the renewal flow so a
// rejected login can never recurse into a refresh.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/users/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var pair tokenPairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}

	return c.creds.SetPair(creds.Pair{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, username)
}

// refresh mints a new access token from the stored refresh token and
// replaces it in the store. Any failure here is terminal for the
// session: the pair is cleared and ErrSessionInvalidated returned.
func (c *Client) refresh(ctx context.Context) error {
	pair := c.creds.Pair()
	if pair.RefreshToken == "" {
		return c.invalidate(errors.New("no refresh token"))
	}

	body, err := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/users/refresh", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.invalidate(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.invalidate(readError(resp))
	}

	var renewed tokenPairResponse
	if err := json.NewDecoder(resp.Body).Decode(&renewed); err != nil {
		return c.invalidate(err)
	}

	return c.creds.SetAccessToken(renewed.AccessToken)
}

func (c *Client) invalidate(cause error) error {
	c.log.Error("session invalidated", "error", cause)
	if err := c.creds.Clear(); err != nil {
		c.log.Error("failed to clear credentials", "error", err)
	}
	return models.ErrSessionInvalidated
}

// do issues one authenticated request, decoding the response into out
// when it is non-nil. On a 401 it refreshes the access token and
// retries the call exactly once; a second 401 invalidates the session.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	requestID := uuid.NewString()

	resp, err := c.doOnce(ctx, method, path, body, requestID)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		c.log.Info("access token rejected, renewing", "path", path, "request_id", requestID)
		if err := c.refresh(ctx); err != nil {
			return err
		}
		resp, err = c.doOnce(ctx, method, path, body, requestID)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			return c.invalidate(errors.New("renewed token rejected"))
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, requestID string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", requestID)
	if token := c.creds.Pair().AccessToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// ListConversations fetches the conversation summaries, most recently
// touched first.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var list []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/chat/conversations/list", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetHistory fetches the message history of one conversation, oldest
// first. IsMine tagging is the caller's job.
func (c *Client) GetHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	var history []models.Message
	path := "/chat/history/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

type initiateRequest struct {
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"is_group"`
	GroupName    string   `json:"group_name,omitempty"`
}

// InitiateConversation creates a new direct or group conversation and
// returns its id. Participants must include the local user.
func (c *Client) InitiateConversation(ctx context.Context, participants []string, isGroup bool, groupName string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	req := initiateRequest{Participants: participants, IsGroup: isGroup, GroupName: groupName}
	if err := c.do(ctx, http.MethodPost, "/chat/conversations/initiate", req, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

func (c *Client) ListFriends(ctx context.Context) ([]string, error) {
	var friends []string
	if err := c.do(ctx, http.MethodGet, "/friends/list", nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// ListFriendsWithoutConversation returns friends with whom no direct
// conversation exists yet, the candidate set for starting a DM.
func (c *Client) ListFriendsWithoutConversation(ctx context.Context) ([]string, error) {
	var friends []string
	if err := c.do(ctx, http.MethodGet, "/friends/no-conversation", nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// SemanticSearch ranks messages of one conversation against a free-form
// query.
func (c *Client) SemanticSearch(ctx context.Context, query, conversationID string) ([]models.SearchResult, error) {
	var results []models.SearchResult
	params := url.Values{}
	params.Set("query", query)
	params.Set("conversation_id", conversationID)
	path := "/chat/search/semantic?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}
