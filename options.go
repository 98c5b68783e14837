package xstorage

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

type OptionFunc func(*Client) error

// WithToken seeds the client with a token obtained elsewhere.
func WithToken(rawToken string, expires time.Time) OptionFunc {
	return func(client *Client) error {
		// Treat empty token as noop
		if rawToken == "" {
			return nil
		}
		if !expires.After(time.Now()) {
			return fmt.Errorf("token has expired: %v", expires)
		}
		client.token = rawToken
		client.tokenExpires = tokenExpiry(rawToken, expires)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. The device
// ships with a self-signed certificate, so this is usually needed unless its
// CA is supplied through WithRootCAs.
func WithInsecureSkipVerify(skip bool) OptionFunc {
	return func(client *Client) error {
		client.insecureSkipVerify = skip
		return nil
	}
}

func WithRootCAs(pool *x509.CertPool) OptionFunc {
	return func(client *Client) error {
		if pool == nil {
			return fmt.Errorf("nil certificate pool")
		}
		client.rootCAs = pool
		return nil
	}
}

// WithTimeout bounds every single HTTP request.
func WithTimeout(timeout time.Duration) OptionFunc {
	return func(client *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid timeout %v", timeout)
		}
		client.timeout = timeout
		return nil
	}
}

// WithHTTPClient replaces the HTTP client entirely; TLS and timeout options
// are then ignored.
func WithHTTPClient(httpClient *http.Client) OptionFunc {
	return func(client *Client) error {
		client.httpClient = httpClient
		return nil
	}
}

func WithTokenStore(store TokenStore) OptionFunc {
	return func(client *Client) error {
		client.store = store
		return nil
	}
}

func WithLogger(log logr.Logger) OptionFunc {
	return func(client *Client) error {
		client.log = log
		return nil
	}
}

func WithNotification(notification Notification) OptionFunc {
	return func(client *Client) error {
		client.notification = notification
		return nil
	}
}
