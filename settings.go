package xstorage

// compositeSettings lists the settings fields that GET returns as objects
// and PUT expects as the bare identifier found under the given key.
var compositeSettings = map[string]string{
	"country":  "geonameId",
	"city":     "geonameId",
	"timezone": "id",
}

const (
	defaultPeakConsumption = 1000
	defaultOptimalSoc      = 28

	defaultChargePower     = 15
	defaultChargeEndSOC    = 90
	defaultDischargePower  = 15
	defaultDischargeEndSOC = 10

	defaultChargeDuration = 1
	defaultModeDuration   = 2

	MinHouseConsumptionThreshold = 300
	MaxHouseConsumptionThreshold = 1000
	MaxModeDuration              = 12
)

// NormalizeSettings returns a copy of a settings document in the form the
// write endpoint accepts. Applying it twice gives the same result.
func NormalizeSettings(settings Document) Document {
	out := settings.Clone()
	if out == nil {
		out = Document{}
	}
	for field, idKey := range compositeSettings {
		m, ok := asMap(out[field])
		if !ok {
			continue
		}
		id, ok := m[idKey]
		if !ok {
			id = ""
		}
		out[field] = id
	}
	return out
}

// ModeInputs carries the user supplied values for an immediate operation
// mode. Nil fields fall back to the per-command defaults.
type ModeInputs struct {
	// Duration in hours.
	Duration *int
	// Power in percent of the inverter rating.
	Power *int
	// EndSOC is the state of charge at which charging or discharging stops.
	EndSOC *int
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ModeDuration is the duration in hours used for an immediate command.
func ModeDuration(cmd Command, in ModeInputs) int {
	switch cmd {
	case CommandCharge, CommandDischarge:
		return intOr(in.Duration, defaultChargeDuration)
	}
	return intOr(in.Duration, defaultModeDuration)
}

// modeState is the live state the parameter derivation reads from.
type modeState struct {
	settings Document
	status   Document
}

func (s modeState) houseConsumptionThreshold() (int, bool) {
	v, ok := s.settings.Float("energySavingMode", "houseConsumptionThreshold")
	return int(v), ok
}

// optimalSoc follows a fixed order: settings backup level, the backup level
// reported in the status energy flow, then a constant.
func (s modeState) optimalSoc() int {
	if v, ok := s.settings.Float("bmsBackupLevel"); ok {
		return int(v)
	}
	if v, ok := s.status.Float("energyFlow", "batteryBackupLevel"); ok {
		return int(v)
	}
	return defaultOptimalSoc
}

// currentModeParameters derives the parameters of an immediate command.
func currentModeParameters(cmd Command, in ModeInputs, state modeState) map[string]any {
	switch cmd {
	case CommandCharge:
		return map[string]any{
			"action": "ACTION_CHARGE",
			"power":  intOr(in.Power, defaultChargePower),
			"soc":    intOr(in.EndSOC, defaultChargeEndSOC),
		}
	case CommandDischarge:
		return map[string]any{
			"action": "ACTION_DISCHARGE",
			"power":  intOr(in.Power, defaultDischargePower),
			"soc":    intOr(in.EndSOC, defaultDischargeEndSOC),
		}
	case CommandPeakShaving:
		threshold, ok := state.houseConsumptionThreshold()
		if !ok {
			threshold = defaultPeakConsumption
		}
		return map[string]any{"maxHousePeakConsumption": threshold}
	case CommandVariableGridInjection:
		return map[string]any{"maximumPower": 0}
	case CommandFrequencyRegulation:
		return map[string]any{"powerAllocation": 0, "optimalSoc": state.optimalSoc()}
	}
	return map[string]any{}
}

// defaultModeParameters derives the parameters stored with
// settings.defaultMode. Peak shaving without a known threshold is stored
// without parameters.
func defaultModeParameters(cmd Command, state modeState) map[string]any {
	switch cmd {
	case CommandPeakShaving:
		threshold, ok := state.houseConsumptionThreshold()
		if !ok {
			return map[string]any{}
		}
		return map[string]any{"maxHousePeakConsumption": threshold}
	case CommandVariableGridInjection:
		return map[string]any{"maximumPower": 0}
	case CommandFrequencyRegulation:
		return map[string]any{"powerAllocation": 0, "optimalSoc": state.optimalSoc()}
	}
	return map[string]any{}
}

func validateModeInputs(cmd Command, in ModeInputs) error {
	if d := ModeDuration(cmd, in); d < 1 || d > MaxModeDuration {
		return &ValidationError{Field: "duration", Message: "must be between 1 and 12 hours"}
	}
	if in.Power != nil && (*in.Power < 5 || *in.Power > 100) {
		return &ValidationError{Field: "power", Message: "must be between 5 and 100 percent"}
	}
	if in.EndSOC != nil && (*in.EndSOC < 0 || *in.EndSOC > 100) {
		return &ValidationError{Field: "soc", Message: "must be between 0 and 100 percent"}
	}
	return nil
}
