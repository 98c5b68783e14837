package xstorage

import (
	"encoding/json"
	"time"
)

type AccountType string

const (
	AccountCustomer   AccountType = "customer"
	AccountTechnician AccountType = "tech"
)

// Credentials identify the device and the account used to sign in.
// InverterSerial and Email are only needed for technician accounts.
type Credentials struct {
	Host           string
	Username       string
	Password       string
	InverterSerial string
	Email          string
	AccountType    AccountType
}

// Validate checks the credentials before any network call is made.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return &ValidationError{Field: "host", Message: "required"}
	}
	if c.Username == "" {
		return &ValidationError{Field: "username", Message: "required"}
	}
	if c.Password == "" {
		return &ValidationError{Field: "password", Message: "required"}
	}
	switch c.AccountType {
	case AccountCustomer:
	case AccountTechnician:
		if c.InverterSerial == "" {
			return &ValidationError{Field: "inverter_sn", Message: "required for technician accounts"}
		}
		if c.Email == "" {
			return &ValidationError{Field: "email", Message: "required for technician accounts"}
		}
	default:
		return &ValidationError{Field: "account_type", Message: "must be customer or tech"}
	}
	return nil
}

// TokenRecord is the persisted form of the bearer token.
type TokenRecord struct {
	AccessToken     string    `json:"access_token"`
	TokenExpiration time.Time `json:"token_expiration"`
}

func (t TokenRecord) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.TokenExpiration)
}

type signInRequest struct {
	Username   string `json:"username"`
	Password   string `json:"pwd"`
	UserType   string `json:"userType"`
	InverterSn string `json:"inverterSn,omitempty"`
	Email      string `json:"email,omitempty"`
}

type signInResponse struct {
	Successful bool `json:"successful"`
	Result     *struct {
		Token string `json:"token"`
	} `json:"result"`
	Error *apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Description string          `json:"description"`
	ErrCode     json.RawMessage `json:"errCode"`
}

func (b *apiErrorBody) code() string {
	if b == nil || len(b.ErrCode) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.ErrCode, &s); err == nil {
		return s
	}
	return string(b.ErrCode)
}

// Response is the outcome of one authenticated request. A body that is not
// JSON is reported through Successful and Error instead of a Go error so that
// callers can degrade per endpoint.
type Response struct {
	Status     int
	Body       Document
	Successful bool
	Error      string
}

// Result returns the object under "result", if any.
func (r *Response) Result() (Document, bool) {
	if r == nil || r.Body == nil {
		return nil, false
	}
	return r.Body.Doc("result")
}

// Accepted reports whether the device claims to have accepted a write. The
// explicit "successful" flag wins; without it a present result counts.
func (r *Response) Accepted() bool {
	if r == nil || r.Body == nil {
		return false
	}
	if v, ok := r.Body["successful"].(bool); ok {
		return v
	}
	_, ok := r.Body["result"]
	return ok && r.Body["result"] != nil
}

type Command string

const (
	CommandBasicMode               Command = "SET_BASIC_MODE"
	CommandCharge                  Command = "SET_CHARGE"
	CommandDischarge               Command = "SET_DISCHARGE"
	CommandFrequencyRegulation     Command = "SET_FREQUENCY_REGULATION"
	CommandMaximizeAutoConsumption Command = "SET_MAXIMIZE_AUTO_CONSUMPTION"
	CommandPeakShaving             Command = "SET_PEAK_SHAVING"
	CommandVariableGridInjection   Command = "SET_VARIABLE_GRID_INJECTION"
)

// DefaultModeCommands are the commands accepted as settings.defaultMode.
var DefaultModeCommands = []Command{
	CommandBasicMode,
	CommandMaximizeAutoConsumption,
	CommandVariableGridInjection,
	CommandFrequencyRegulation,
	CommandPeakShaving,
}

// CurrentModeCommands are the commands accepted as an immediate operation mode.
var CurrentModeCommands = append(append([]Command{}, DefaultModeCommands...), CommandCharge, CommandDischarge)

func (c Command) Known() bool {
	for _, k := range CurrentModeCommands {
		if c == k {
			return true
		}
	}
	return false
}

// CommandRequest is the body of POST /api/device/command.
type CommandRequest struct {
	Command    Command        `json:"command"`
	Duration   int            `json:"duration"`
	Parameters map[string]any `json:"parameters"`
}

type powerRequest struct {
	Parameters struct {
		State bool `json:"state"`
	} `json:"parameters"`
}

type settingsRequest struct {
	Settings Document `json:"settings"`
}

// NotificationQuery filters GET /api/notifications/.
type NotificationQuery struct {
	Status string
	Size   *int
	Offset *int
}

// DeviceDescriptor identifies the device towards the host platform. Only the
// static identity is guaranteed; everything discovered from the device section
// is optional.
type DeviceDescriptor struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	ConfigurationURL string   `json:"configuration_url"`
	SoftwareVersion  string   `json:"sw_version,omitempty"`
	HardwareVersion  string   `json:"hw_version,omitempty"`
	SerialNumber     string   `json:"serial_number,omitempty"`
}
