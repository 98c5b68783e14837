package xstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultUpdateInterval = time.Minute

	deviceName         = "Eaton xStorage Home"
	deviceManufacturer = "Eaton"
	deviceModel        = "xStorage Home"
)

type CoordinatorOption func(*Coordinator)

func WithUpdateInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

func WithCoordinatorLogger(log logr.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithDeviceHost sets the host used in the device descriptor. It defaults to
// the fetcher's host when the fetcher is a *Client.
func WithDeviceHost(host string) CoordinatorOption {
	return func(c *Coordinator) {
		c.host = host
	}
}

// Coordinator polls every catalog endpoint on a fixed interval and publishes
// the merged result as one Snapshot. Readers always get the last complete
// snapshot; a cycle in progress never shows through.
type Coordinator struct {
	fetcher  Fetcher
	host     string
	interval time.Duration
	log      logr.Logger
	now      func() time.Time

	// cycle keeps poll cycles from overlapping.
	cycle sync.Mutex
	// refreshCh is the single pending-refresh slot.
	refreshCh chan struct{}

	mu           sync.RWMutex
	snapshot     *Snapshot
	hasData      bool
	lastSuccess  bool
	lastErr      error
	listeners    map[int]func(*Snapshot)
	nextListener int
}

type hoster interface {
	Host() string
}

func NewCoordinator(fetcher Fetcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		fetcher:   fetcher,
		interval:  DefaultUpdateInterval,
		log:       logr.Discard(),
		now:       time.Now,
		refreshCh: make(chan struct{}, 1),
		snapshot:  EmptySnapshot(),
		listeners: make(map[int]func(*Snapshot)),
	}
	if h, ok := fetcher.(hoster); ok {
		c.host = h.Host()
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run polls until ctx is done. Pending refresh requests are served between
// timer ticks, one cycle at a time.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.RLock()
	hasData := c.hasData
	c.mu.RUnlock()
	if !hasData {
		c.refreshLogged(ctx)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refreshLogged(ctx)
		case <-c.refreshCh:
			c.refreshLogged(ctx)
		}
	}
}

func (c *Coordinator) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.log.Error(err, "Update failed, keeping last snapshot")
	}
}

// RequestRefresh asks Run for an out-of-cycle refresh. Requests arriving while
// one is already pending are merged into it.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

type fetchResult struct {
	doc Document
	err error
}

// Refresh runs one poll cycle. It fails, leaving the previous snapshot in
// place, only when every core section failed. Any other failed section is
// published empty.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	results := make([]fetchResult, len(Endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range Endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			doc, err := c.fetcher.Fetch(ctx, ep)
			results[i] = fetchResult{doc: doc, err: err}
		}(i, endpoint)
	}
	wg.Wait()

	sections := make(map[Section]Document, len(Endpoints))
	errs := make(map[Section]error)
	var coreErrs []error
	coreOK := false
	for i, endpoint := range Endpoints {
		r := results[i]
		if r.err != nil {
			errs[endpoint.Section] = r.err
			switch endpoint.Class {
			case ClassCore:
				coreErrs = append(coreErrs, fmt.Errorf("%s: %w", endpoint.Section, r.err))
				c.log.Info("Core section unavailable", "section", endpoint.Section, "error", r.err.Error())
			case ClassTechnician:
				c.log.V(1).Info("Technician section unavailable", "section", endpoint.Section, "error", r.err.Error())
			default:
				c.log.Info("Section unavailable", "section", endpoint.Section, "error", r.err.Error())
			}
			continue
		}
		sections[endpoint.Section] = r.doc
		if endpoint.Class == ClassCore {
			coreOK = true
		}
	}

	if !coreOK {
		err := fmt.Errorf("error fetching data: %w", errors.Join(coreErrs...))
		c.mu.Lock()
		c.lastSuccess = false
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	snapshot := newSnapshot(c.now(), sections, errs)

	c.mu.Lock()
	c.snapshot = snapshot
	c.hasData = true
	c.lastSuccess = true
	c.lastErr = nil
	listeners := make([]func(*Snapshot), 0, len(c.listeners))
	for i := 0; i < c.nextListener; i++ {
		if l, ok := c.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	c.mu.Unlock()

	c.log.V(1).Info("Snapshot published", "failed_sections", len(errs))
	for _, l := range listeners {
		l(snapshot)
	}
	return nil
}

// Subscribe registers fn to be called after every successful cycle with the
// new snapshot. The returned func removes it again.
func (c *Coordinator) Subscribe(fn func(*Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Snapshot returns the latest published snapshot. Before the first successful
// cycle it is an empty one.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshot
}

func (c *Coordinator) LastUpdateSuccessful() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastSuccess
}

func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastErr
}

// BatteryLevel is the state of charge in percent.
func (c *Coordinator) BatteryLevel() (float64, bool) {
	return c.Snapshot().Float(SectionStatus, "energyFlow", "stateOfCharge")
}

func (c *Coordinator) DeviceDescriptor() DeviceDescriptor {
	return describeDevice(c.host, c.Snapshot())
}

func describeDevice(host string, snapshot *Snapshot) DeviceDescriptor {
	d := DeviceDescriptor{
		Identifiers:      []string{host},
		Name:             deviceName,
		Manufacturer:     deviceManufacturer,
		Model:            deviceModel,
		ConfigurationURL: baseURL(host),
	}
	if v := deviceField(snapshot, "firmwareVersion"); v != "" {
		d.SoftwareVersion = v
	}
	if v := deviceField(snapshot, "inverterModelName"); v != "" {
		d.Model = fmt.Sprintf("%s (%s)", deviceModel, v)
	}
	if v := deviceField(snapshot, "inverterSerialNumber"); v != "" {
		d.SerialNumber = v
		d.Identifiers = append(d.Identifiers, v)
	}
	if v := deviceField(snapshot, "bmsFirmwareVersion"); v != "" {
		d.HardwareVersion = v
	}
	return d
}

// deviceField reads a device section value as text, whether the firmware
// reports it as a string or a number.
func deviceField(snapshot *Snapshot, key string) string {
	v, ok := snapshot.sections[SectionDevice].Lookup(key)
	if !ok {
		return ""
	}
	return stringify(v)
}
