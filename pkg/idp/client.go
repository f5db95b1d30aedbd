// Package idp is the read-only Keycloak Admin REST client.
//
// Authentication uses the password grant against the master realm. The
// access token is refreshed proactively when its exp claim is near, and
// transparently re-fetched once on a 401 before the request is retried
// exactly once.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// maxUsersPage bounds a single user listing request.
const maxUsersPage = 500

// tokenSlack is how long before exp the cached token is considered stale.
const tokenSlack = 30 * time.Second

// User is the subset of the Keycloak user representation the checks read.
// Enabled is a pointer because Keycloak omits the field for some legacy
// exports; absence means enabled.
type User struct {
	ID               string              `json:"id"`
	Username         string              `json:"username"`
	Enabled          *bool               `json:"enabled"`
	CreatedTimestamp int64               `json:"createdTimestamp"`
	Attributes       map[string][]string `json:"attributes"`
}

// IsEnabled reports whether the account is active (enabled ≠ false).
func (u User) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// Attribute returns the first value of the named attribute and whether a
// non-empty value exists. Keycloak models attribute values as lists.
func (u User) Attribute(name string) (string, bool) {
	vals := u.Attributes[name]
	if len(vals) == 0 || vals[0] == "" {
		return "", false
	}
	return vals[0], true
}

// Realm is the realm representation including realm-level attributes.
type Realm struct {
	Realm      string            `json:"realm"`
	Attributes map[string]string `json:"attributes"`
}

// Client talks to one Keycloak instance for one realm.
type Client struct {
	baseURL       string
	realm         string
	adminUser     string
	adminPassword string

	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger

	token    string
	tokenExp time.Time
}

// New builds a client. baseURL is the Keycloak root, e.g.
// "http://keycloak:8080".
func New(baseURL, realm, adminUser, adminPassword string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		realm:         realm,
		adminUser:     adminUser,
		adminPassword: adminPassword,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(10), 10),
		log:           slog.With("component", "idp"),
	}
}

func (c *Client) fetchToken(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {c.adminUser},
		"password":   {c.adminPassword},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/realms/master/protocol/openid-connect/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("idp: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("idp: token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("idp: token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("idp: token decode: %w", err)
	}

	c.token = payload.AccessToken
	c.tokenExp = tokenExpiry(payload.AccessToken, payload.ExpiresIn)
	return nil
}

// tokenExpiry prefers the JWT exp claim and falls back to expires_in.
func tokenExpiry(token string, expiresIn int64) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != "" && time.Until(c.tokenExp) > tokenSlack {
		return nil
	}
	return c.fetchToken(ctx)
}

// get performs an authenticated GET against the admin API for the client's
// realm and decodes the JSON body into out. On 401 the token is refreshed
// and the same request retried exactly once.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("idp: rate limit: %w", err)
	}
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + "/admin/realms/" + c.realm + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	resp, err := c.doGet(ctx, endpoint)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if err := c.fetchToken(ctx); err != nil {
			return err
		}
		resp, err = c.doGet(ctx, endpoint)
		if err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("idp: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("idp: GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("idp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp: request failed: %w", err)
	}
	return resp, nil
}

// ListUsers returns up to maxUsersPage users of the realm.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	params := url.Values{"max": {strconv.Itoa(maxUsersPage)}}
	if err := c.get(ctx, "/users", params, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetRoleUsers returns the members of a named realm role.
func (c *Client) GetRoleUsers(ctx context.Context, roleName string) ([]User, error) {
	var users []User
	if err := c.get(ctx, "/roles/"+url.PathEscape(roleName)+"/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetRealm returns the realm representation including its attributes.
func (c *Client) GetRealm(ctx context.Context) (Realm, error) {
	var realm Realm
	if err := c.get(ctx, "", nil, &realm); err != nil {
		return Realm{}, err
	}
	return realm, nil
}

// GetUserCredentials returns the credential descriptors of one user.
func (c *Client) GetUserCredentials(ctx context.Context, userID string) ([]map[string]any, error) {
	var creds []map[string]any
	if err := c.get(ctx, "/users/"+url.PathEscape(userID)+"/credentials", nil, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// GetUserRoleMappings returns the role mappings of one user.
func (c *Client) GetUserRoleMappings(ctx context.Context, userID string) (map[string]any, error) {
	var mappings map[string]any
	if err := c.get(ctx, "/users/"+url.PathEscape(userID)+"/role-mappings", nil, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// Ping verifies the IdP is reachable by acquiring a token. Used by the
// startup wait loop.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.fetchToken(ctx); err != nil {
		return err
	}
	c.log.Info("idp reachable", "url", c.baseURL, "realm", c.realm)
	return nil
}
