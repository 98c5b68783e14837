package xstorage_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loafoe/go-xstorage"
)

// fakeDevice answers catalog reads from memory. Sections without data fail
// with a 403 the way technician endpoints do for customer accounts.
type fakeDevice struct {
	mu       sync.Mutex
	sections map[xstorage.Section]xstorage.Document
	fails    map[xstorage.Section]error
	fetches  atomic.Int32

	// block, when set, holds every status fetch until the test lets it go.
	block   chan struct{}
	started chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		sections: map[xstorage.Section]xstorage.Document{
			xstorage.SectionStatus: {
				"energyFlow": map[string]any{"stateOfCharge": 64.0, "batteryBackupLevel": 15.0},
			},
			xstorage.SectionDevice: {
				"firmwareVersion":      "3.1.4",
				"inverterModelName":    "XSTHOME-6",
				"inverterSerialNumber": "SN123",
				"bmsFirmwareVersion":   "2.0",
				"powerState":           true,
				"energySavingMode":     map[string]any{"houseConsumptionThreshold": 400.0},
			},
			xstorage.SectionConfigState:              {"state": "DONE"},
			xstorage.SectionSettings:                 {"bmsBackupLevel": 15.0, "energySavingMode": map[string]any{"enabled": false, "houseConsumptionThreshold": 400.0}},
			xstorage.SectionMetrics:                  {"selfConsumption": 80.0},
			xstorage.SectionMetricsDaily:             {"pvProduction": 4200.0},
			xstorage.SectionSchedule:                 {"results": []any{}},
			xstorage.SectionNotifications:            {"results": []any{}},
			xstorage.SectionUnreadNotificationsCount: {"total": 0.0},
		},
		fails: map[xstorage.Section]error{},
	}
}

func (f *fakeDevice) set(section xstorage.Section, doc xstorage.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections[section] = doc
}

func (f *fakeDevice) fail(section xstorage.Section, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[section] = err
}

func (f *fakeDevice) Fetch(ctx context.Context, endpoint xstorage.Endpoint) (xstorage.Document, error) {
	if endpoint.Section == xstorage.SectionStatus {
		f.fetches.Add(1)
		if f.block != nil {
			select {
			case f.started <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			select {
			case <-f.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fails[endpoint.Section]; err != nil {
		return nil, err
	}
	doc, ok := f.sections[endpoint.Section]
	if !ok {
		return nil, &xstorage.APIError{Path: endpoint.Path, Status: http.StatusForbidden, Description: "Access denied"}
	}
	return doc.Clone(), nil
}

func TestCoordinatorRefresh(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device)

	assert.False(t, coord.LastUpdateSuccessful())
	assert.True(t, coord.Snapshot().FetchedAt().IsZero())
	for _, section := range xstorage.Sections {
		assert.NotNil(t, coord.Snapshot().Section(section), section)
	}

	err := coord.Refresh(context.Background())
	if !assert.Nil(t, err) {
		return
	}
	assert.True(t, coord.LastUpdateSuccessful())
	assert.Nil(t, coord.LastError())

	snapshot := coord.Snapshot()
	assert.False(t, snapshot.FetchedAt().IsZero())
	state, _ := snapshot.String(xstorage.SectionConfigState, "state")
	assert.Equal(t, "DONE", state)

	// Technician sections are rejected for customer accounts.
	assert.True(t, snapshot.Empty(xstorage.SectionTechnicalStatus))
	var partial *xstorage.PartialDataError
	if assert.ErrorAs(t, snapshot.Err(xstorage.SectionTechnicalStatus), &partial) {
		assert.Equal(t, xstorage.SectionTechnicalStatus, partial.Section)
		var apiErr *xstorage.APIError
		assert.ErrorAs(t, partial, &apiErr)
	}
	assert.Nil(t, snapshot.Err(xstorage.SectionStatus))

	level, ok := coord.BatteryLevel()
	assert.True(t, ok)
	assert.Equal(t, 64.0, level)
}

func TestCoordinatorOptionalSectionFails(t *testing.T) {
	device := newFakeDevice()
	device.fail(xstorage.SectionMetrics, &xstorage.ConnectionError{Host: "device", Err: context.DeadlineExceeded})
	coord := xstorage.NewCoordinator(device)

	assert.Nil(t, coord.Refresh(context.Background()))
	snapshot := coord.Snapshot()
	assert.True(t, snapshot.Empty(xstorage.SectionMetrics))
	assert.NotNil(t, snapshot.Err(xstorage.SectionMetrics))
	assert.False(t, snapshot.Empty(xstorage.SectionMetricsDaily))
	assert.False(t, snapshot.Empty(xstorage.SectionSettings))
	assert.True(t, coord.LastUpdateSuccessful())
}

func TestCoordinatorOneCoreSectionIsEnough(t *testing.T) {
	device := newFakeDevice()
	device.fail(xstorage.SectionStatus, &xstorage.APIError{Path: "/api/device/status", Status: http.StatusInternalServerError})
	coord := xstorage.NewCoordinator(device)

	assert.Nil(t, coord.Refresh(context.Background()))
	assert.True(t, coord.Snapshot().Empty(xstorage.SectionStatus))
	assert.False(t, coord.Snapshot().Empty(xstorage.SectionDevice))
	_, ok := coord.BatteryLevel()
	assert.False(t, ok)
}

func TestCoordinatorCoreFailureKeepsSnapshot(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device)
	require.Nil(t, coord.Refresh(context.Background()))
	previous := coord.Snapshot()

	device.fail(xstorage.SectionStatus, &xstorage.ConnectionError{Host: "device", Err: context.DeadlineExceeded})
	device.fail(xstorage.SectionDevice, &xstorage.ConnectionError{Host: "device", Err: context.DeadlineExceeded})
	device.set(xstorage.SectionMetrics, xstorage.Document{"selfConsumption": 10.0})

	err := coord.Refresh(context.Background())
	if assert.NotNil(t, err) {
		assert.Contains(t, err.Error(), "error fetching data")
		var connErr *xstorage.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	}
	assert.Same(t, previous, coord.Snapshot())
	assert.False(t, coord.LastUpdateSuccessful())
	assert.Equal(t, err, coord.LastError())

	v, _ := coord.Snapshot().Float(xstorage.SectionMetrics, "selfConsumption")
	assert.Equal(t, 80.0, v)
}

func TestCoordinatorSnapshotIsolation(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device)
	require.Nil(t, coord.Refresh(context.Background()))

	status := coord.Snapshot().Section(xstorage.SectionStatus)
	status["energyFlow"] = "tampered"

	level, ok := coord.BatteryLevel()
	assert.True(t, ok)
	assert.Equal(t, 64.0, level)
}

func TestCoordinatorSubscribe(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device)

	var got []*xstorage.Snapshot
	unsubscribe := coord.Subscribe(func(s *xstorage.Snapshot) {
		got = append(got, s)
	})

	require.Nil(t, coord.Refresh(context.Background()))
	if assert.Len(t, got, 1) {
		assert.Same(t, coord.Snapshot(), got[0])
	}

	// Failed cycles do not notify.
	device.fail(xstorage.SectionStatus, context.DeadlineExceeded)
	device.fail(xstorage.SectionDevice, context.DeadlineExceeded)
	assert.NotNil(t, coord.Refresh(context.Background()))
	assert.Len(t, got, 1)

	unsubscribe()
	device.fail(xstorage.SectionStatus, nil)
	device.fail(xstorage.SectionDevice, nil)
	require.Nil(t, coord.Refresh(context.Background()))
	assert.Len(t, got, 1)
}

func TestCoordinatorDeviceDescriptor(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device, xstorage.WithDeviceHost("192.168.1.50"))

	d := coord.DeviceDescriptor()
	assert.Equal(t, []string{"192.168.1.50"}, d.Identifiers)
	assert.Equal(t, "Eaton", d.Manufacturer)
	assert.Equal(t, "Eaton xStorage Home", d.Name)
	assert.Equal(t, "xStorage Home", d.Model)
	assert.Equal(t, "https://192.168.1.50", d.ConfigurationURL)
	assert.Empty(t, d.SoftwareVersion)

	require.Nil(t, coord.Refresh(context.Background()))
	d = coord.DeviceDescriptor()
	assert.Equal(t, []string{"192.168.1.50", "SN123"}, d.Identifiers)
	assert.Equal(t, "xStorage Home (XSTHOME-6)", d.Model)
	assert.Equal(t, "3.1.4", d.SoftwareVersion)
	assert.Equal(t, "2.0", d.HardwareVersion)
	assert.Equal(t, "SN123", d.SerialNumber)
}

func TestCoordinatorDeviceHostFromClient(t *testing.T) {
	c, err := xstorage.NewClient(xstorage.Credentials{Host: "xstorage.local", Username: "admin", Password: "secret"})
	require.Nil(t, err)

	coord := xstorage.NewCoordinator(c)
	d := coord.DeviceDescriptor()
	assert.Equal(t, []string{"xstorage.local"}, d.Identifiers)
	assert.Equal(t, "https://xstorage.local", d.ConfigurationURL)
}

func TestCoordinatorCoalescesRefreshRequests(t *testing.T) {
	device := newFakeDevice()
	device.block = make(chan struct{})
	device.started = make(chan struct{})
	coord := xstorage.NewCoordinator(device, xstorage.WithUpdateInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx)
	}()

	// The initial cycle is in flight.
	<-device.started
	coord.RequestRefresh()
	coord.RequestRefresh()
	coord.RequestRefresh()
	device.block <- struct{}{}

	// Exactly one follow-up cycle.
	select {
	case <-device.started:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up cycle did not start")
	}
	device.block <- struct{}{}

	assert.Eventually(t, func() bool {
		return coord.LastUpdateSuccessful() && device.fetches.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-device.started:
		t.Fatal("unexpected third cycle")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCoordinatorRunSkipsInitialRefreshWithData(t *testing.T) {
	device := newFakeDevice()
	coord := xstorage.NewCoordinator(device, xstorage.WithUpdateInterval(time.Hour))
	require.Nil(t, coord.Refresh(context.Background()))
	require.Equal(t, int32(1), device.fetches.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx)
	}()

	coord.RequestRefresh()
	assert.Eventually(t, func() bool {
		return device.fetches.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(2), device.fetches.Load())
}

func TestCoordinatorDeviceDescriptorNumericFields(t *testing.T) {
	device := newFakeDevice()
	device.set(xstorage.SectionDevice, xstorage.Document{
		"firmwareVersion":      312.0,
		"inverterModelName":    "XSTHOME-6",
		"inverterSerialNumber": 20231104.0,
		"bmsFirmwareVersion":   1.5,
		"powerState":           true,
	})
	coord := xstorage.NewCoordinator(device, xstorage.WithDeviceHost("192.168.1.50"))
	require.Nil(t, coord.Refresh(context.Background()))

	d := coord.DeviceDescriptor()
	assert.Equal(t, "312", d.SoftwareVersion)
	assert.Equal(t, "1.5", d.HardwareVersion)
	assert.Equal(t, "20231104", d.SerialNumber)
	assert.Equal(t, []string{"192.168.1.50", "20231104"}, d.Identifiers)
}
