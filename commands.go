package xstorage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	defaultPowerSettle   = 3 * time.Second
	defaultCommandSettle = 2 * time.Second
	defaultShortSettle   = time.Second
)

type CommanderOption func(*Commander)

// WithSettleDelay sets how long the commander waits after a write before it
// asks for a refresh. Power switching waits for power, everything else for
// command. A write the device did not confirm waits half as long.
func WithSettleDelay(power, command time.Duration) CommanderOption {
	return func(c *Commander) {
		c.powerSettle = power
		c.commandSettle = command
		c.shortSettle = command / 2
	}
}

func WithCommanderLogger(log logr.Logger) CommanderOption {
	return func(c *Commander) {
		c.log = log
	}
}

// Commander issues every mutating operation against the device and keeps the
// optimistic values shown until the next snapshot.
type Commander struct {
	api   API
	coord Refresher
	log   logr.Logger
	now   func() time.Time

	powerSettle   time.Duration
	commandSettle time.Duration
	shortSettle   time.Duration

	// patchMu serialises settings read-modify-write cycles.
	patchMu sync.Mutex

	threshold    Optimistic[int]
	backupLevel  Optimistic[int]
	energySaving Optimistic[bool]
	power        Optimistic[bool]

	unsubscribe func()
}

func NewCommander(api API, coord Refresher, opts ...CommanderOption) *Commander {
	c := &Commander{
		api:           api,
		coord:         coord,
		log:           logr.Discard(),
		now:           time.Now,
		powerSettle:   defaultPowerSettle,
		commandSettle: defaultCommandSettle,
		shortSettle:   defaultShortSettle,
	}
	for _, o := range opts {
		o(c)
	}
	c.unsubscribe = coord.Subscribe(func(*Snapshot) {
		c.clearOptimistic()
	})
	return c
}

// Close detaches the commander from the coordinator.
func (c *Commander) Close() {
	c.unsubscribe()
}

func (c *Commander) clearOptimistic() {
	c.threshold.Clear()
	c.backupLevel.Clear()
	c.energySaving.Clear()
	c.power.Clear()
}

func (c *Commander) settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// fail drops the optimistic value, asks for a refresh and hands err back.
func (c *Commander) fail(clear func(), err error) error {
	if clear != nil {
		clear()
	}
	c.coord.RequestRefresh()
	return err
}

func rejected(path string, resp *Response) error {
	if resp.Status < http.StatusBadRequest {
		return nil
	}
	return &APIError{Path: path, Status: resp.Status, Description: resp.Error}
}

// SetPower switches the inverter on or off.
func (c *Commander) SetPower(ctx context.Context, on bool) error {
	id := uuid.NewString()
	c.power.Set(on, c.now())
	c.log.Info("Setting inverter power", "id", id, "on", on)

	resp, err := c.api.SetPower(ctx, on)
	if err == nil {
		err = rejected(powerPath, resp)
	}
	if err != nil {
		c.log.Error(err, "Setting inverter power failed", "id", id)
		return c.fail(c.power.Clear, fmt.Errorf("setting power: %w", err))
	}
	if !resp.Accepted() {
		c.log.Info("Power change not confirmed by device", "id", id, "status", resp.Status, "error", resp.Error)
	}
	c.settle(ctx, c.powerSettle)
	c.coord.RequestRefresh()
	return nil
}

// SendCommand posts a raw device command. The response flag is advisory; the
// next snapshot tells whether the device applied it.
func (c *Commander) SendCommand(ctx context.Context, req CommandRequest) (*Response, error) {
	return c.sendCommand(ctx, req, c.commandSettle, c.commandSettle/2)
}

// sendCommand waits settle after a confirmed command and unconfirmed after
// one the device did not confirm.
func (c *Commander) sendCommand(ctx context.Context, req CommandRequest, settle, unconfirmed time.Duration) (*Response, error) {
	id := uuid.NewString()
	c.log.Info("Sending command", "id", id, "command", req.Command, "duration", req.Duration)

	resp, err := c.api.SendCommand(ctx, req)
	if err == nil {
		err = rejected(commandPath, resp)
	}
	if err != nil {
		c.log.Error(err, "Command failed", "id", id, "command", req.Command)
		return resp, c.fail(nil, fmt.Errorf("sending %s: %w", req.Command, err))
	}
	delay := settle
	if !resp.Accepted() {
		c.log.Info("Command not confirmed by device", "id", id, "command", req.Command, "status", resp.Status, "error", resp.Error)
		delay = unconfirmed
	}
	c.settle(ctx, delay)
	c.coord.RequestRefresh()
	return resp, nil
}

// SetCurrentOperationMode starts an operation mode right away for a limited
// number of hours. Parameters the device needs are derived from the latest
// snapshot where the caller cannot supply them.
func (c *Commander) SetCurrentOperationMode(ctx context.Context, cmd Command, in ModeInputs) error {
	if !cmd.Known() {
		return &ValidationError{Field: "command", Message: fmt.Sprintf("unknown command %q", cmd)}
	}
	if err := validateModeInputs(cmd, in); err != nil {
		return err
	}
	snapshot := c.coord.Snapshot()
	state := modeState{
		settings: snapshot.Section(SectionSettings),
		status:   snapshot.Section(SectionStatus),
	}
	req := CommandRequest{
		Command:    cmd,
		Duration:   ModeDuration(cmd, in),
		Parameters: currentModeParameters(cmd, in, state),
	}
	_, err := c.sendCommand(ctx, req, c.commandSettle, c.commandSettle/2)
	return err
}

// StopCurrentOperation falls back to basic mode. It only waits the short
// settle delay, confirmed or not.
func (c *Commander) StopCurrentOperation(ctx context.Context) error {
	_, err := c.sendCommand(ctx, CommandRequest{Command: CommandBasicMode, Duration: 1}, c.shortSettle, c.shortSettle)
	return err
}

func (c *Commander) MarkNotificationsRead(ctx context.Context) error {
	resp, err := c.api.MarkAllNotificationsRead(ctx)
	if err == nil {
		err = rejected(markNotificationsPath, resp)
	}
	if err != nil {
		return c.fail(nil, fmt.Errorf("marking notifications read: %w", err))
	}
	if !resp.Accepted() {
		c.log.Info("Marking notifications read not confirmed by device", "status", resp.Status, "error", resp.Error)
	}
	c.settle(ctx, c.shortSettle)
	c.coord.RequestRefresh()
	return nil
}

// patchSettings fetches the current settings from the device, normalises
// them, lets apply change one field and writes the whole document back.
func (c *Commander) patchSettings(ctx context.Context, field string, apply func(doc Document)) error {
	c.patchMu.Lock()
	defer c.patchMu.Unlock()

	id := uuid.NewString()
	current, err := c.api.Settings(ctx)
	if err != nil {
		return fmt.Errorf("fetching current settings: %w", err)
	}
	if len(current) == 0 {
		return &ProtocolError{Path: settingsPath, Status: http.StatusOK, Body: "{}", Err: errEmptySettings}
	}

	doc := NormalizeSettings(current)
	apply(doc)

	c.log.Info("Updating settings", "id", id, "field", field)
	resp, err := c.api.UpdateSettings(ctx, doc)
	if err == nil {
		err = rejected(settingsPath, resp)
	}
	if err != nil {
		return fmt.Errorf("updating %s: %w", field, err)
	}
	delay := c.commandSettle
	if !resp.Accepted() {
		c.log.Info("Settings update not confirmed by device", "id", id, "field", field, "status", resp.Status, "error", resp.Error)
		delay /= 2
	}
	c.settle(ctx, delay)
	c.coord.RequestRefresh()
	return nil
}

// subDocument returns the object under key, creating it when it is missing
// or not an object.
func subDocument(doc Document, key string) map[string]any {
	if m, ok := asMap(doc[key]); ok {
		return m
	}
	m := map[string]any{}
	doc[key] = m
	return m
}

func (c *Commander) SetHouseConsumptionThreshold(ctx context.Context, watts int) error {
	if watts < MinHouseConsumptionThreshold || watts > MaxHouseConsumptionThreshold {
		return &ValidationError{
			Field:   "houseConsumptionThreshold",
			Message: fmt.Sprintf("must be between %d and %d W", MinHouseConsumptionThreshold, MaxHouseConsumptionThreshold),
		}
	}
	c.threshold.Set(watts, c.now())
	err := c.patchSettings(ctx, "houseConsumptionThreshold", func(doc Document) {
		subDocument(doc, "energySavingMode")["houseConsumptionThreshold"] = watts
	})
	if err != nil {
		return c.fail(c.threshold.Clear, err)
	}
	return nil
}

func (c *Commander) SetBatteryBackupLevel(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return &ValidationError{Field: "bmsBackupLevel", Message: "must be between 0 and 100 percent"}
	}
	c.backupLevel.Set(percent, c.now())
	err := c.patchSettings(ctx, "bmsBackupLevel", func(doc Document) {
		doc["bmsBackupLevel"] = percent
	})
	if err != nil {
		return c.fail(c.backupLevel.Clear, err)
	}
	return nil
}

func (c *Commander) SetEnergySavingMode(ctx context.Context, enabled bool) error {
	c.energySaving.Set(enabled, c.now())
	err := c.patchSettings(ctx, "energySavingMode", func(doc Document) {
		subDocument(doc, "energySavingMode")["enabled"] = enabled
	})
	if err != nil {
		return c.fail(c.energySaving.Clear, err)
	}
	return nil
}

// SetDefaultOperationMode stores the mode the device returns to when no
// immediate command is active.
func (c *Commander) SetDefaultOperationMode(ctx context.Context, cmd Command) error {
	if !isDefaultMode(cmd) {
		return &ValidationError{Field: "defaultMode", Message: fmt.Sprintf("unsupported default mode %q", cmd)}
	}
	status := c.coord.Snapshot().Section(SectionStatus)
	err := c.patchSettings(ctx, "defaultMode", func(doc Document) {
		doc["defaultMode"] = map[string]any{
			"command":    string(cmd),
			"parameters": defaultModeParameters(cmd, modeState{settings: doc, status: status}),
		}
	})
	if err != nil {
		return c.fail(nil, err)
	}
	return nil
}

func isDefaultMode(cmd Command) bool {
	for _, k := range DefaultModeCommands {
		if k == cmd {
			return true
		}
	}
	return false
}

// HouseConsumptionThreshold prefers the runtime value reported by the device
// section over the stored setting.
func (c *Commander) HouseConsumptionThreshold() Reading[int] {
	snapshot := c.coord.Snapshot()
	v, ok := snapshot.Float(SectionDevice, "energySavingMode", "houseConsumptionThreshold")
	if !ok {
		v, ok = snapshot.Float(SectionSettings, "energySavingMode", "houseConsumptionThreshold")
	}
	return c.threshold.Resolve(int(v), ok)
}

func (c *Commander) BatteryBackupLevel() Reading[int] {
	snapshot := c.coord.Snapshot()
	v, ok := snapshot.Float(SectionSettings, "bmsBackupLevel")
	if !ok {
		v, ok = snapshot.Float(SectionStatus, "energyFlow", "batteryBackupLevel")
	}
	return c.backupLevel.Resolve(int(v), ok)
}

func (c *Commander) EnergySavingMode() Reading[bool] {
	v, ok := c.coord.Snapshot().Bool(SectionSettings, "energySavingMode", "enabled")
	return c.energySaving.Resolve(v, ok)
}

func (c *Commander) PowerState() Reading[bool] {
	v, ok := c.coord.Snapshot().Bool(SectionDevice, "powerState")
	return c.power.Resolve(v, ok)
}

// DefaultOperationMode is read from the snapshot only.
func (c *Commander) DefaultOperationMode() (Command, bool) {
	v, ok := c.coord.Snapshot().String(SectionSettings, "defaultMode", "command")
	return Command(v), ok
}
