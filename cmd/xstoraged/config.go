package main

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/loafoe/go-xstorage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Host           string
	Username       string
	Password       string
	InverterSerial string
	Email          string
	AccountType    string

	Insecure bool
	CAFile   string
	Timeout  time.Duration
	Interval time.Duration

	Listen  string
	TokenDB string
	LogFile string
	Verbose bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("XSTORAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("account-type", string(xstorage.AccountCustomer))
	v.SetDefault("insecure", true)
	v.SetDefault("timeout", 15*time.Second)
	v.SetDefault("interval", xstorage.DefaultUpdateInterval)
	v.SetDefault("listen", ":9890")
	v.SetDefault("token-db", "xstorage.db")
	return v
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML config `file`")
	flags.String("host", "", "device host name or address")
	flags.String("username", "", "account user name")
	flags.String("password", "", "account password")
	flags.String("inverter-sn", "", "inverter serial number (technician accounts)")
	flags.String("email", "", "e-mail address (technician accounts)")
	flags.String("account-type", string(xstorage.AccountCustomer), "customer or tech")
	flags.Bool("insecure", true, "skip TLS certificate verification")
	flags.String("ca-file", "", "PEM `file` with the device CA certificate")
	flags.Duration("timeout", 15*time.Second, "per request timeout")
	flags.Duration("interval", xstorage.DefaultUpdateInterval, "poll interval")
	flags.String("listen", ":9890", "HTTP listen address")
	flags.String("token-db", "xstorage.db", "SQLite database for the bearer token, empty to disable")
	flags.String("log-file", "", "also log to this rotated `file`")
	flags.BoolP("verbose", "v", false, "debug output")
}

// loadConfig merges flags, XSTORAGE_* environment variables and the optional
// config file, in that order of precedence.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}
	return &Config{
		Host:           v.GetString("host"),
		Username:       v.GetString("username"),
		Password:       v.GetString("password"),
		InverterSerial: v.GetString("inverter-sn"),
		Email:          v.GetString("email"),
		AccountType:    v.GetString("account-type"),
		Insecure:       v.GetBool("insecure"),
		CAFile:         v.GetString("ca-file"),
		Timeout:        v.GetDuration("timeout"),
		Interval:       v.GetDuration("interval"),
		Listen:         v.GetString("listen"),
		TokenDB:        v.GetString("token-db"),
		LogFile:        v.GetString("log-file"),
		Verbose:        v.GetBool("verbose"),
	}, nil
}

func (c *Config) Credentials() xstorage.Credentials {
	return xstorage.Credentials{
		Host:           c.Host,
		Username:       c.Username,
		Password:       c.Password,
		InverterSerial: c.InverterSerial,
		Email:          c.Email,
		AccountType:    xstorage.AccountType(c.AccountType),
	}
}

func (c *Config) clientOptions(log logr.Logger) ([]xstorage.OptionFunc, error) {
	opts := []xstorage.OptionFunc{
		xstorage.WithTimeout(c.Timeout),
		xstorage.WithLogger(log.WithName("client")),
		xstorage.WithNotification(tokenEvents{log: log.WithName("token")}),
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		return append(opts, xstorage.WithRootCAs(pool)), nil
	}
	if c.Insecure {
		log.Info("TLS verification disabled, pass --insecure=false or --ca-file to enable it")
		opts = append(opts, xstorage.WithInsecureSkipVerify(true))
	}
	return opts, nil
}
