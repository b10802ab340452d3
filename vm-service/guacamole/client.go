// Copyright (c) 2024 CollabSec, Inc.

package guacamole

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/collabsec/labdesk/backend/services/utils"
)

// Sentinel errors for gateway exchanges. Callers use these to tell a dead
// gateway apart from a gateway that inspected the token and said no.
var (
	// ErrGatewayUnreachable means the HTTP request to the gateway never
	// completed.
	ErrGatewayUnreachable = errors.New("guacamole gateway unreachable")

	// ErrGatewayRejected means the gateway answered but refused the token.
	ErrGatewayRejected = errors.New("guacamole gateway rejected the token")

	// ErrResponseMalformed means the gateway answered 2xx but the body wasn't
	// a token-exchange response.
	ErrResponseMalformed = errors.New("guacamole gateway response malformed")
)

// Client exchanges sealed session tokens with a Guacamole gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for the gateway at baseURL. Any trailing slash
// on baseURL is dropped.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// tokenResponse is the interesting subset of the gateway's answer to a token
// exchange.
type tokenResponse struct {
	AuthToken string `json:"authToken"`
}

// Exchange posts a sealed token to the gateway and returns the session URL a
// browser can open directly. The gateway's REST API takes the token as the
// `data` field of a form post and answers with a short-lived auth token that
// gets embedded in the URL.
func (c *Client) Exchange(ctx context.Context, token string) (string, error) {
	form := url.Values{}
	form.Set("data", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return "", utils.MakeError("couldn't create gateway request: %s", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", utils.MakeError("%w: %s", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", utils.MakeError("%w: reading response body: %s", ErrGatewayUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", utils.MakeError("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, body)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", utils.MakeError("%w: %s", ErrResponseMalformed, err)
	}
	if parsed.AuthToken == "" {
		return "", utils.MakeError("%w: response carried no authToken", ErrResponseMalformed)
	}

	return utils.Sprintf("%s/?token=%s", c.baseURL, url.QueryEscape(parsed.AuthToken)), nil
}
