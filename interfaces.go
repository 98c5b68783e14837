package xstorage

import (
	"context"
	"time"
)

// Notification receives token lifecycle events.
type Notification interface {
	TokenRefreshed(expires time.Time)
	TokenRestored(expires time.Time)
	TokenError(error)
}

var NilNotification = nilNotification{}

type nilNotification struct {
}

func (n nilNotification) TokenRefreshed(_ time.Time) {
}

func (n nilNotification) TokenRestored(_ time.Time) {
}

func (n nilNotification) TokenError(_ error) {
}

// TokenStore persists the bearer token per device host. LoadToken returns
// nil and no error when nothing was stored yet.
type TokenStore interface {
	LoadToken(ctx context.Context, host string) (*TokenRecord, error)
	SaveToken(ctx context.Context, host string, record TokenRecord) error
}

// Fetcher is what the Coordinator needs from the client.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint Endpoint) (Document, error)
}

// API is the subset of the client used by the Commander.
type API interface {
	Settings(ctx context.Context) (Document, error)
	UpdateSettings(ctx context.Context, settings Document) (*Response, error)
	SendCommand(ctx context.Context, req CommandRequest) (*Response, error)
	SetPower(ctx context.Context, on bool) (*Response, error)
	MarkAllNotificationsRead(ctx context.Context) (*Response, error)
}

// Refresher is what the Commander needs from the Coordinator.
type Refresher interface {
	RequestRefresh()
	Snapshot() *Snapshot
	Subscribe(fn func(*Snapshot)) func()
}
