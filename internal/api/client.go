package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"uchat-directory/internal/model"
)

const maxResponseBytes = 1 << 20

// Error is a failed backend call. Message is the server's own text when it
// sent one, suitable for showing to the user as is.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Client talks to the chat backend's login endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP uses hc as is; tests pass an httptest server's client.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type envelope struct {
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Token   string          `json:"token"`
	Data    json.RawMessage `json:"data"`
}

// LookupIdentifier resolves an email to the partial identity behind it.
func (c *Client) LookupIdentifier(ctx context.Context, identifier string) (model.Identity, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/email", "", true, map[string]string{"email": identifier})
	if err != nil {
		return model.Identity{}, err
	}
	return decodeIdentity(env)
}

// CheckCredential verifies the password of userID and returns the issued token.
func (c *Client) CheckCredential(ctx context.Context, userID, credential string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/api/password", "", true, map[string]string{
		"userId":   userID,
		"password": credential,
	})
	if err != nil {
		return "", err
	}
	if env.Token == "" {
		return "", &Error{Message: "login response carried no token"}
	}
	return env.Token, nil
}

// UserDetails returns the identity a token was issued to.
func (c *Client) UserDetails(ctx context.Context, token string) (model.Identity, error) {
	env, err := c.do(ctx, http.MethodGet, "/api/user-details", token, false, nil)
	if err != nil {
		return model.Identity{}, err
	}
	return decodeIdentity(env)
}

func decodeIdentity(env envelope) (model.Identity, error) {
	var ident model.Identity
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &ident) != nil || ident.ID == "" {
		return model.Identity{}, &Error{Message: "response carried no user"}
	}
	return ident, nil
}

// do sends one request. Login endpoints flag their outcome in the body, so
// wantSuccess also rejects 2xx replies without "success": true.
func (c *Client) do(ctx context.Context, method, path, token string, wantSuccess bool, body any) (envelope, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return envelope{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, &Error{Message: fmt.Sprintf("request %s failed: %v", path, err)}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope{}, &Error{Status: resp.StatusCode, Message: fmt.Sprintf("read %s response: %v", path, err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(payload, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return envelope{}, &Error{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return envelope{}, &Error{Status: resp.StatusCode, Message: "backend returned non-json payload"}
	}
	if env.Error || (wantSuccess && !env.Success) {
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return envelope{}, &Error{Status: resp.StatusCode, Message: msg}
	}
	return env, nil
}
