package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
	"vpngate/pkg/jsonhelper"
)

const (
	DefaultBaseURL = "https://vpn-api.proton.me"
	DefaultTimeout = 10 * time.Second

	codeSubuserWithoutSessions = 86300
	codeKeyConflict            = 2500
)

var (
	ErrNotLoggedIn            = errors.New("no api session")
	ErrUnauthorized           = errors.New("api session expired")
	ErrSubuserWithoutSessions = errors.New("sub-user has no vpn sessions allocated")
)

// Error is a non 2xx answer from the API. RetryAfter is only set on 429.
type Error struct {
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d (code %d)", e.Status, e.Code)
}

// AuthStore is where the session tokens live. keychain.Keychain implements it.
type AuthStore interface {
	Auth() (*models.AuthCredentials, error)
	StoreAuth(auth models.AuthCredentials) error
}

type Client struct {
	baseURL    string
	appVersion string
	httpClient *http.Client
	auth       AuthStore

	refreshMu sync.Mutex
}

func New(baseURL, appVersion string, timeout time.Duration, auth AuthStore) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appVersion: appVersion,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

type apiResponse struct {
	Code  int    `json:"Code"`
	Error string `json:"Error"`
}

// call performs an authenticated request and decodes the body into out. An
// expired access token is refreshed once and the request replayed.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body, true)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.refreshSession(ctx); err != nil {
			return err
		}
		if resp, err = c.send(ctx, method, path, body, true); err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return ErrUnauthorized
		}
	}
	return decodeResponse(resp, out)
}

// callAnonymous is for routes that work without a session.
func (c *Client) callAnonymous(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body, false)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, body any, authenticated bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := jsonhelper.Encode(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.protonmail.v1+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.appVersion != "" {
		req.Header.Set("x-pm-appversion", c.appVersion)
	}

	if authenticated {
		auth, err := c.session()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
		req.Header.Set("x-pm-uid", auth.UID)
	}

	log.WithFields(log.Fields{
		"method": method,
		"path":   path,
	}).Trace("API request")

	return c.httpClient.Do(req)
}

func (c *Client) session() (*models.AuthCredentials, error) {
	if c.auth == nil {
		return nil, ErrNotLoggedIn
	}
	auth, err := c.auth.Auth()
	if err != nil {
		return nil, fmt.Errorf("load api session: %w", err)
	}
	if auth == nil {
		return nil, ErrNotLoggedIn
	}
	return auth, nil
}

type refreshRequest struct {
	UID          string `json:"UID"`
	RefreshToken string `json:"RefreshToken"`
	ResponseType string `json:"ResponseType"`
	GrantType    string `json:"GrantType"`
	RedirectURI  string `json:"RedirectURI"`
}

type refreshResponse struct {
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	UID          string `json:"UID"`
}

func (c *Client) refreshSession(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	auth, err := c.session()
	if err != nil {
		return err
	}

	var out refreshResponse
	err = c.callAnonymous(ctx, http.MethodPost, "/auth/refresh", refreshRequest{
		UID:          auth.UID,
		RefreshToken: auth.RefreshToken,
		ResponseType: "token",
		GrantType:    "refresh_token",
		RedirectURI:  "https://protonvpn.com",
	}, &out)
	if err != nil {
		log.WithError(err).Warn("API session refresh failed")
		return ErrUnauthorized
	}

	refreshed := *auth
	refreshed.AccessToken = out.AccessToken
	refreshed.RefreshToken = out.RefreshToken
	if out.UID != "" {
		refreshed.UID = out.UID
	}
	return c.auth.StoreAuth(refreshed)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		if r, err := jsonhelper.Decode[apiResponse](b); err == nil {
			apiErr.Code = r.Code
			apiErr.Message = r.Error
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	return jsonhelper.Unmarshal(b, out)
}

// TruncateIP drops the last part of the address before it is sent upstream.
func TruncateIP(ip string) string {
	if ip == "" {
		return ""
	}
	if i := strings.LastIndex(ip, "."); i >= 0 {
		return ip[:i] + ".0"
	}
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		return ip[:i] + "::"
	}
	return ip
}
