package xstorage

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 15 * time.Second
	signInPath     = "/api/auth/signin"
)

// Client owns the HTTPS session with one device: sign-in, the bearer token
// and its expiry, and the single retry after a 401.
type Client struct {
	sync.Mutex

	creds        Credentials
	baseURL      string
	token        string
	tokenExpires time.Time

	httpClient         *http.Client
	insecureSkipVerify bool
	rootCAs            *x509.CertPool
	timeout            time.Duration

	store        TokenStore
	log          logr.Logger
	notification Notification
	signIn       singleflight.Group
	now          func() time.Time
}

func NewClient(creds Credentials, opts ...OptionFunc) (*Client, error) {
	if creds.AccountType == "" {
		creds.AccountType = AccountCustomer
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	client := &Client{
		creds:        creds,
		baseURL:      baseURL(creds.Host),
		timeout:      defaultTimeout,
		log:          logr.Discard(),
		notification: NilNotification,
		now:          time.Now,
	}

	for _, o := range opts {
		if err := o(client); err != nil {
			return nil, err
		}
	}
	if client.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: client.insecureSkipVerify, //nolint:gosec // opt-in for self-signed device certificates
			RootCAs:            client.rootCAs,
		}
		client.httpClient = &http.Client{
			Transport: tr,
			Timeout:   client.timeout,
		}
	}
	if client.insecureSkipVerify {
		client.log.Info("TLS certificate verification disabled", "host", creds.Host)
	}
	return client, nil
}

func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + strings.TrimSuffix(host, "/")
}

func (c *Client) Host() string {
	return c.creds.Host
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token and its local expiry.
func (c *Client) Token() (string, time.Time) {
	c.Lock()
	defer c.Unlock()

	return c.token, c.tokenExpires
}

func (c *Client) InvalidateToken() {
	c.Lock()
	defer c.Unlock()

	c.token = ""
	c.tokenExpires = time.Time{}
}

func (c *Client) tokenValid() bool {
	c.Lock()
	defer c.Unlock()

	return c.token != "" && c.now().Before(c.tokenExpires)
}

// Connect signs in and stores the new token. On failure the previous token is
// kept as it was.
func (c *Client) Connect(ctx context.Context) error {
	reqBody := signInRequest{
		Username: c.creds.Username,
		Password: c.creds.Password,
		UserType: string(c.creds.AccountType),
	}
	if c.creds.AccountType == AccountTechnician {
		reqBody.InverterSn = c.creds.InverterSerial
		reqBody.Email = c.creds.Email
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+signInPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	requestResponse, requestError := c.httpClient.Do(req)
	if requestError != nil {
		err := &ConnectionError{Host: c.creds.Host, Err: requestError}
		c.notification.TokenError(err)
		return err
	}
	defer func() {
		_ = requestResponse.Body.Close()
	}()
	body, err := io.ReadAll(requestResponse.Body)
	if err != nil {
		err := &ConnectionError{Host: c.creds.Host, Err: err}
		c.notification.TokenError(err)
		return err
	}

	var result signInResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.log.Error(err, "Non-JSON sign-in response", "status", requestResponse.StatusCode)
		authErr := &AuthenticationError{
			Reason:  AuthMalformedResponse,
			Message: "non-JSON response",
			Err:     &ProtocolError{Path: signInPath, Status: requestResponse.StatusCode, Body: string(body), Err: err},
		}
		c.notification.TokenError(authErr)
		return authErr
	}

	if requestResponse.StatusCode != http.StatusOK || !result.Successful || result.Result == nil || result.Result.Token == "" {
		var authErr *AuthenticationError
		if result.Error != nil {
			msg := result.Error.Description
			if msg == "" {
				msg = result.Error.code()
			}
			if msg == "" {
				msg = "authentication failed"
			}
			authErr = newAuthenticationError(msg, result.Error.code())
		} else {
			c.log.Info("Unexpected sign-in response", "status", requestResponse.StatusCode, "body", truncate(string(body), 200))
			authErr = &AuthenticationError{Reason: AuthMalformedResponse, Message: "unexpected response"}
		}
		c.notification.TokenError(authErr)
		return authErr
	}

	token := result.Result.Token
	expires := tokenExpiry(token, c.now().Add(tokenLifetime))

	c.Lock()
	c.token = token
	c.tokenExpires = expires
	c.Unlock()

	c.log.Info("Connected, bearer token acquired", "host", c.creds.Host, "expires", expires)
	c.notification.TokenRefreshed(expires)

	if c.store != nil {
		if err := c.store.SaveToken(ctx, c.creds.Host, TokenRecord{AccessToken: token, TokenExpiration: expires}); err != nil {
			c.log.Error(err, "Failed to persist token", "host", c.creds.Host)
		}
	}
	return nil
}

// LoadToken restores a persisted token so a restart does not need to sign in
// again. Expired tokens are ignored.
func (c *Client) LoadToken(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	record, err := c.store.LoadToken(ctx, c.creds.Host)
	if err != nil {
		return fmt.Errorf("loading token for %s: %w", c.creds.Host, err)
	}
	if record == nil {
		return nil
	}
	if !record.Valid(c.now()) {
		c.log.V(1).Info("Ignoring expired stored token", "host", c.creds.Host, "expired", record.TokenExpiration)
		return nil
	}

	c.Lock()
	c.token = record.AccessToken
	c.tokenExpires = record.TokenExpiration
	c.Unlock()

	c.notification.TokenRestored(record.TokenExpiration)
	return nil
}

// EnsureValid signs in again when the token is missing or expired.
func (c *Client) EnsureValid(ctx context.Context) error {
	if c.tokenValid() {
		return nil
	}
	c.log.Info("Token missing or expired, re-authenticating", "host", c.creds.Host)
	stale, _ := c.Token()
	return c.reauthenticate(ctx, stale)
}

// reauthenticate collapses concurrent sign-ins into one. A caller whose stale
// token has already been replaced by a valid one does not sign in again.
func (c *Client) reauthenticate(ctx context.Context, stale string) error {
	_, err, _ := c.signIn.Do("signin", func() (interface{}, error) {
		current, _ := c.Token()
		if current != stale && c.tokenValid() {
			return nil, nil
		}
		return nil, c.Connect(ctx)
	})
	return err
}

// Do sends one authenticated request. A 401 triggers exactly one sign-in and
// one retry; whatever the retry returns is handed back.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request for %s: %w", path, err)
		}
	}

	if err := c.EnsureValid(ctx); err != nil {
		return nil, err
	}
	token, _ := c.Token()
	resp, err := c.send(ctx, method, path, query, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}

	c.log.Info("Access token rejected, signing in again", "path", path)
	if err := c.reauthenticate(ctx, token); err != nil {
		return nil, err
	}
	token, _ = c.Token()
	return c.send(ctx, method, path, query, payload, token)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.V(1).Info("Calling", "method", method, "path", path)
	requestResponse, requestError := c.httpClient.Do(req)
	if requestError != nil {
		return nil, &ConnectionError{Host: c.creds.Host, Err: requestError}
	}
	defer func() {
		_ = requestResponse.Body.Close()
	}()
	data, err := io.ReadAll(requestResponse.Body)
	if err != nil {
		return nil, &ConnectionError{Host: c.creds.Host, Err: err}
	}

	resp := &Response{Status: requestResponse.StatusCode}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		c.log.Error(err, "Non-JSON response", "path", path, "status", requestResponse.StatusCode, "body", truncate(string(data), 200))
		resp.Successful = false
		resp.Error = string(data)
		return resp, nil
	}
	resp.Body = doc
	if v, ok := doc["successful"].(bool); ok {
		resp.Successful = v
	} else {
		resp.Successful = requestResponse.StatusCode >= 200 && requestResponse.StatusCode < 300
	}
	if e, ok := doc.Doc("error"); ok {
		if d, ok := e.String("description"); ok {
			resp.Error = d
		} else if code, ok := e.Lookup("errCode"); ok {
			resp.Error = fmt.Sprint(code)
		}
	}
	return resp, nil
}
