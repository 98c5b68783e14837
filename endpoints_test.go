package xstorage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loafoe/go-xstorage"
)

var catalog = []struct {
	section xstorage.Section
	path    string
	unwrap  xstorage.Unwrap
	class   xstorage.EndpointClass
}{
	{xstorage.SectionStatus, "/api/device/status", xstorage.UnwrapResult, xstorage.ClassCore},
	{xstorage.SectionDevice, "/api/device", xstorage.UnwrapResult, xstorage.ClassCore},
	{xstorage.SectionConfigState, "/api/config/state", xstorage.UnwrapRaw, xstorage.ClassOptional},
	{xstorage.SectionSettings, "/api/settings", xstorage.UnwrapResult, xstorage.ClassOptional},
	{xstorage.SectionMetrics, "/api/metrics", xstorage.UnwrapRaw, xstorage.ClassOptional},
	{xstorage.SectionMetricsDaily, "/api/metrics/daily", xstorage.UnwrapRaw, xstorage.ClassOptional},
	{xstorage.SectionSchedule, "/api/schedule/", xstorage.UnwrapRaw, xstorage.ClassOptional},
	{xstorage.SectionTechnicalStatus, "/api/technical/status", xstorage.UnwrapResult, xstorage.ClassTechnician},
	{xstorage.SectionMaintenanceDiagnostics, "/api/device/maintenance/diagnostics", xstorage.UnwrapResult, xstorage.ClassTechnician},
	{xstorage.SectionNotifications, "/api/notifications/", xstorage.UnwrapResult, xstorage.ClassNotifications},
	{xstorage.SectionUnreadNotificationsCount, "/api/notifications/unread", xstorage.UnwrapResult, xstorage.ClassNotifications},
}

func TestEndpointTable(t *testing.T) {
	require.Len(t, xstorage.Endpoints, len(catalog))
	for _, want := range catalog {
		ep, ok := xstorage.EndpointFor(want.section)
		if !assert.True(t, ok, want.section) {
			continue
		}
		assert.Equal(t, http.MethodGet, ep.Method, want.section)
		assert.Equal(t, want.path, ep.Path, want.section)
		assert.Equal(t, want.unwrap, ep.Unwrap, want.section)
		assert.Equal(t, want.class, ep.Class, want.section)
	}
	assert.ElementsMatch(t, xstorage.Sections, func() []xstorage.Section {
		var out []xstorage.Section
		for _, ep := range xstorage.Endpoints {
			out = append(out, ep.Section)
		}
		return out
	}())
}

// TestFetchUnwrap serves every endpoint in the shape the device uses and
// checks that the payload, not the envelope, comes back.
func TestFetchUnwrap(t *testing.T) {
	teardown, err := setup(t, nil)
	if !assert.Nil(t, err) {
		return
	}
	defer teardown()

	for _, e := range catalog {
		e := e
		mux.HandleFunc(e.path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || bearer(r) == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if e.unwrap == xstorage.UnwrapRaw {
				_, _ = fmt.Fprintf(w, `{"section":%q}`, e.section)
				return
			}
			_, _ = fmt.Fprintf(w, `{"successful":true,"result":{"section":%q}}`, e.section)
		})
	}

	for _, ep := range xstorage.Endpoints {
		doc, err := client.Fetch(context.Background(), ep)
		if !assert.Nil(t, err, ep.Section) {
			continue
		}
		name, _ := doc.String("section")
		assert.Equal(t, string(ep.Section), name)
		assert.NotContains(t, doc, "result")
	}
}

func TestFetchErrors(t *testing.T) {
	teardown, err := setup(t, nil)
	if !assert.Nil(t, err) {
		return
	}
	defer teardown()

	mux.HandleFunc("/api/device/status", func(w http.ResponseWriter, r *http.Request) {
		// Payload without the result envelope.
		_, _ = w.Write([]byte(`{"energyFlow":{"stateOfCharge":50}}`))
	})
	mux.HandleFunc("/api/technical/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"successful":false,"error":{"errCode":"403","description":"Access denied"}}`))
	})
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"successful":true,"result":"nope"}`))
	})

	_, err = client.Status(context.Background())
	var protoErr *xstorage.ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	_, err = client.Settings(context.Background())
	assert.ErrorAs(t, err, &protoErr)

	_, err = client.TechnicalStatus(context.Background())
	var apiErr *xstorage.APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "403", apiErr.Code)
		assert.Equal(t, "Access denied", apiErr.Description)
	}
}

func TestNotificationsQuery(t *testing.T) {
	teardown, err := setup(t, nil)
	if !assert.Nil(t, err) {
		return
	}
	defer teardown()

	var query map[string][]string
	mux.HandleFunc("/api/notifications/", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{"successful":true,"result":{"results":[],"total":0}}`))
	})

	size, offset := 20, 40
	doc, err := client.Notifications(context.Background(), xstorage.NotificationQuery{Status: "UNREAD", Size: &size, Offset: &offset})
	if !assert.Nil(t, err) {
		return
	}
	assert.Contains(t, doc, "results")
	assert.Equal(t, []string{"UNREAD"}, query["status"])
	assert.Equal(t, []string{"20"}, query["size"])
	assert.Equal(t, []string{"40"}, query["offset"])

	_, err = client.Notifications(context.Background(), xstorage.NotificationQuery{})
	assert.Nil(t, err)
	assert.Empty(t, query)
}

func TestWrites(t *testing.T) {
	teardown, err := setup(t, nil)
	if !assert.Nil(t, err) {
		return
	}
	defer teardown()

	bodies := map[string]map[string]any{}
	record := func(method string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			bodies[r.URL.Path] = body
			_, _ = w.Write([]byte(`{"successful":true,"result":{}}`))
		}
	}
	mux.HandleFunc("/api/device/power", record(http.MethodPost))
	mux.HandleFunc("/api/device/command", record(http.MethodPost))
	mux.HandleFunc("/api/settings", record(http.MethodPut))
	mux.HandleFunc("/api/notifications/read/all", record(http.MethodPost))

	ctx := context.Background()
	resp, err := client.SetPower(ctx, true)
	if assert.Nil(t, err) {
		assert.True(t, resp.Accepted())
	}
	assert.Equal(t, map[string]any{"parameters": map[string]any{"state": true}}, bodies["/api/device/power"])

	_, err = client.SendCommand(ctx, xstorage.CommandRequest{Command: xstorage.CommandBasicMode, Duration: 1})
	assert.Nil(t, err)
	assert.Equal(t, map[string]any{"command": "SET_BASIC_MODE", "duration": 1.0, "parameters": map[string]any{}}, bodies["/api/device/command"])

	_, err = client.UpdateSettings(ctx, xstorage.Document{"bmsBackupLevel": 30, "country": "2750405"})
	assert.Nil(t, err)
	assert.Equal(t, map[string]any{"settings": map[string]any{"bmsBackupLevel": 30.0, "country": "2750405"}}, bodies["/api/settings"])

	resp, err = client.MarkAllNotificationsRead(ctx)
	if assert.Nil(t, err) {
		assert.True(t, resp.Successful)
	}
	assert.Contains(t, bodies, "/api/notifications/read/all")
}
