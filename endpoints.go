package xstorage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
)

// Unwrap tells how the payload of an endpoint is extracted from its body.
type Unwrap int

const (
	// UnwrapResult takes the object under "result".
	UnwrapResult Unwrap = iota
	// UnwrapRaw takes the body as is.
	UnwrapRaw
)

// EndpointClass decides how a failed fetch affects a poll cycle.
type EndpointClass int

const (
	// ClassCore sections fail the cycle when all of them fail.
	ClassCore EndpointClass = iota
	ClassOptional
	// ClassTechnician endpoints reject customer accounts by design.
	ClassTechnician
	ClassNotifications
)

type Endpoint struct {
	Section Section
	Method  string
	Path    string
	Unwrap  Unwrap
	Class   EndpointClass
	Query   url.Values
}

// Endpoints is the fixed read catalog, one entry per snapshot section.
var Endpoints = []Endpoint{
	{Section: SectionStatus, Method: http.MethodGet, Path: "/api/device/status", Unwrap: UnwrapResult, Class: ClassCore},
	{Section: SectionDevice, Method: http.MethodGet, Path: "/api/device", Unwrap: UnwrapResult, Class: ClassCore},
	{Section: SectionConfigState, Method: http.MethodGet, Path: "/api/config/state", Unwrap: UnwrapRaw, Class: ClassOptional},
	{Section: SectionSettings, Method: http.MethodGet, Path: "/api/settings", Unwrap: UnwrapResult, Class: ClassOptional},
	{Section: SectionMetrics, Method: http.MethodGet, Path: "/api/metrics", Unwrap: UnwrapRaw, Class: ClassOptional},
	{Section: SectionMetricsDaily, Method: http.MethodGet, Path: "/api/metrics/daily", Unwrap: UnwrapRaw, Class: ClassOptional},
	{Section: SectionSchedule, Method: http.MethodGet, Path: "/api/schedule/", Unwrap: UnwrapRaw, Class: ClassOptional},
	{Section: SectionTechnicalStatus, Method: http.MethodGet, Path: "/api/technical/status", Unwrap: UnwrapResult, Class: ClassTechnician},
	{Section: SectionMaintenanceDiagnostics, Method: http.MethodGet, Path: "/api/device/maintenance/diagnostics", Unwrap: UnwrapResult, Class: ClassTechnician},
	{Section: SectionNotifications, Method: http.MethodGet, Path: "/api/notifications/", Unwrap: UnwrapResult, Class: ClassNotifications},
	{Section: SectionUnreadNotificationsCount, Method: http.MethodGet, Path: "/api/notifications/unread", Unwrap: UnwrapResult, Class: ClassNotifications},
}

const (
	powerPath             = "/api/device/power"
	commandPath           = "/api/device/command"
	settingsPath          = "/api/settings"
	markNotificationsPath = "/api/notifications/read/all"
)

var (
	errMissingResult = errors.New(`missing "result" object`)
	errEmptySettings = errors.New("empty settings document")
)

func EndpointFor(section Section) (Endpoint, bool) {
	for _, ep := range Endpoints {
		if ep.Section == section {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Fetch reads one catalog endpoint and applies its unwrap rule.
func (c *Client) Fetch(ctx context.Context, endpoint Endpoint) (Document, error) {
	resp, err := c.Do(ctx, endpoint.Method, endpoint.Path, endpoint.Query, nil)
	if err != nil {
		return nil, err
	}
	return unwrapResponse(endpoint, resp)
}

func unwrapResponse(endpoint Endpoint, resp *Response) (Document, error) {
	if resp.Body == nil {
		return nil, &ProtocolError{Path: endpoint.Path, Status: resp.Status, Body: resp.Error}
	}
	if e, ok := resp.Body.Doc("error"); ok {
		apiErr := &APIError{Path: endpoint.Path, Status: resp.Status}
		apiErr.Description, _ = e.String("description")
		if code, ok := e.Lookup("errCode"); ok {
			apiErr.Code = stringify(code)
		}
		return nil, apiErr
	}
	if resp.Status >= http.StatusBadRequest || !resp.Successful {
		return nil, &APIError{Path: endpoint.Path, Status: resp.Status, Description: resp.Error}
	}
	switch endpoint.Unwrap {
	case UnwrapRaw:
		return resp.Body, nil
	default:
		result, ok := resp.Body.Doc("result")
		if !ok {
			return nil, &ProtocolError{Path: endpoint.Path, Status: resp.Status, Err: errMissingResult}
		}
		return result, nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func (c *Client) fetchSection(ctx context.Context, section Section) (Document, error) {
	endpoint, _ := EndpointFor(section)
	return c.Fetch(ctx, endpoint)
}

func (c *Client) Status(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionStatus)
}

func (c *Client) Device(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionDevice)
}

func (c *Client) ConfigState(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionConfigState)
}

// Settings always goes to the device; it never returns cached data.
func (c *Client) Settings(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionSettings)
}

func (c *Client) Metrics(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionMetrics)
}

func (c *Client) MetricsDaily(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionMetricsDaily)
}

func (c *Client) Schedule(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionSchedule)
}

func (c *Client) TechnicalStatus(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionTechnicalStatus)
}

func (c *Client) MaintenanceDiagnostics(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionMaintenanceDiagnostics)
}

func (c *Client) Notifications(ctx context.Context, q NotificationQuery) (Document, error) {
	endpoint, _ := EndpointFor(SectionNotifications)
	query := url.Values{}
	if q.Status != "" {
		query.Set("status", q.Status)
	}
	if q.Size != nil {
		query.Set("size", strconv.Itoa(*q.Size))
	}
	if q.Offset != nil {
		query.Set("offset", strconv.Itoa(*q.Offset))
	}
	endpoint.Query = query
	return c.Fetch(ctx, endpoint)
}

func (c *Client) UnreadNotificationsCount(ctx context.Context) (Document, error) {
	return c.fetchSection(ctx, SectionUnreadNotificationsCount)
}

func (c *Client) SetPower(ctx context.Context, on bool) (*Response, error) {
	var body powerRequest
	body.Parameters.State = on
	return c.Do(ctx, http.MethodPost, powerPath, nil, body)
}

func (c *Client) SendCommand(ctx context.Context, req CommandRequest) (*Response, error) {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	c.log.V(1).Info("Sending device command", "command", req.Command, "duration", req.Duration, "parameters", req.Parameters)
	return c.Do(ctx, http.MethodPost, commandPath, nil, req)
}

// UpdateSettings replaces the whole settings document; the device has no
// partial update.
func (c *Client) UpdateSettings(ctx context.Context, settings Document) (*Response, error) {
	return c.Do(ctx, http.MethodPut, settingsPath, nil, settingsRequest{Settings: settings})
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) (*Response, error) {
	return c.Do(ctx, http.MethodPost, markNotificationsPath, nil, nil)
}
