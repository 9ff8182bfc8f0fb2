package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syncforge/roster/internal/config"
)

// tokenExpirySlack refreshes the bearer token when it is within this window
// of its expiry.
const tokenExpirySlack = 60 * time.Second

// defaultPageSize is the offset/limit window used when walking the full user
// listing.
const defaultPageSize = 100

// Client performs authenticated CRUD against the remote directory service.
// It owns bearer-token acquisition and refresh: the configured API key is
// exchanged at the auth endpoint for a short-lived token, cached until it is
// within 60 seconds of expiry.
//
// The token cache is guarded by a mutex; the remote service's own
// per-resource atomicity is relied upon for everything else.
type Client struct {
	authURL  string
	usersURL string
	apiKey   string
	orgID    int64

	httpClient *http.Client

	mu             sync.Mutex
	token          string
	tokenExpiresAt int64 // milliseconds since epoch
}

// NewClient constructs a directory client from configuration.
func NewClient(cfg config.DirectoryConfig) *Client {
	return &Client{
		authURL:    cfg.AuthAPIURL,
		usersURL:   cfg.UsersAPIURL,
		apiKey:     cfg.APIKey,
		orgID:      cfg.OrganizationID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// OrgScope returns the organization-root authorization scope.
func (c *Client) OrgScope() string {
	return fmt.Sprintf("organization=%d", c.orgID)
}

func (c *Client) tokenExpired() bool {
	if c.token == "" || c.tokenExpiresAt == 0 {
		return true
	}
	now := time.Now().UnixMilli()
	return now >= c.tokenExpiresAt-tokenExpirySlack.Milliseconds()
}

// getToken returns a valid bearer token, refreshing it when expired or about
// to expire.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tokenExpired() {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Status: resp.StatusCode}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}

	c.token = tok.AccessToken
	c.tokenExpiresAt = tok.TokenExpiresAt
	if c.tokenExpiresAt == 0 {
		// Some token endpoints omit the expiry field; fall back to the exp
		// claim of the token itself. A token with neither is refreshed on
		// every call, which is correct if wasteful.
		c.tokenExpiresAt = expiryFromJWT(tok.AccessToken)
	}

	return c.token, nil
}

// expiryFromJWT extracts the exp claim (as milliseconds) from an unverified
// JWT parse. Returns 0 when the token is not a JWT or carries no expiry.
func expiryFromJWT(token string) int64 {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.UnixMilli()
}

// do issues an authenticated request and returns the response body on 2xx.
func (c *Client) do(ctx context.Context, method, rawURL string, body any) ([]byte, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{Method: method, URL: rawURL, Status: resp.StatusCode, Body: string(data)}
	}

	return data, nil
}

// ListUsers fetches one page of users. Status is optional; an empty status
// returns users regardless of status.
func (c *Client) ListUsers(ctx context.Context, offset, limit int, userType, status string) (*UserPage, error) {
	params := url.Values{}
	params.Set("type", userType)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("organization_id", strconv.FormatInt(c.orgID, 10))
	if status != "" {
		params.Set("status", status)
	}

	data, err := c.do(ctx, http.MethodGet, c.usersURL+"/user/?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var page UserPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode user page: %w", err)
	}
	return &page, nil
}

// ListAllUsers walks the paginated user listing until a page returns fewer
// rows than requested. Status is optional.
func (c *Client) ListAllUsers(ctx context.Context, status string) ([]User, error) {
	var all []User
	offset := 0

	for {
		page, err := c.ListUsers(ctx, offset, defaultPageSize, UserTypePerson, status)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)

		if len(page.Results) < defaultPageSize {
			break
		}
		offset += defaultPageSize
	}

	return all, nil
}

// CreateUser creates a user in the configured organization.
func (c *Client) CreateUser(ctx context.Context, email, firstName, lastName string) (*User, error) {
	payload := map[string]any{
		"email":           email,
		"first_name":      firstName,
		"last_name":       lastName,
		"organization_id": c.orgID,
	}

	data, err := c.do(ctx, http.MethodPost, c.usersURL+"/user/", payload)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode created user: %w", err)
	}
	return &user, nil
}

// SetUserStatus flips a user between active and inactive. Users are never
// hard-deleted; deactivation is the only removal the directory supports here.
func (c *Client) SetUserStatus(ctx context.Context, id int64, status string) error {
	_, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("%s/user/%d", c.usersURL, id), map[string]string{"status": status})
	return err
}

// GetUserGrants returns the grants held by a user within the organization
// scope. The endpoint occasionally answers with a non-list payload for users
// without grants; that is decoded as an empty result, not an error.
func (c *Client) GetUserGrants(ctx context.Context, userID int64) ([]GrantSet, error) {
	params := url.Values{}
	params.Set("user_id", strconv.FormatInt(userID, 10))
	params.Set("nrn", c.OrgScope())

	data, err := c.do(ctx, http.MethodGet, c.authURL+"/authz/user_role?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var sets []GrantSet
	if err := json.Unmarshal(data, &sets); err != nil {
		// Non-list payload: the user holds no grants.
		return nil, nil
	}
	return sets, nil
}

// CreateGrant records a (user, scope, role) grant.
func (c *Client) CreateGrant(ctx context.Context, userID int64, roleSlug, scope string) error {
	payload := map[string]any{
		"role_slug": roleSlug,
		"user_id":   userID,
		"nrn":       scope,
	}
	_, err := c.do(ctx, http.MethodPost, c.authURL+"/authz/grants", payload)
	return err
}

// DeleteGrant revokes a grant by its remote ID.
func (c *Client) DeleteGrant(ctx context.Context, grantID int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/authz/grants/%d", c.authURL, grantID), nil)
	return err
}
