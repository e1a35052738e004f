// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/validate"
)

const (
	defaultBindAddress      = "127.0.0.1:8080"
	defaultShutdownTimeout  = 15 * time.Second
	defaultValidateInterval = 5 * time.Minute

	// TokenEnv names the environment variable holding the API bearer token.
	TokenEnv = "EDGEFLEET_API_TOKEN"
)

// ErrTokenRequired is returned when serving on a non-loopback address
// without an API token.
var ErrTokenRequired = errors.New("api token required when binding to a non-loopback address")

// Validator produces fleet reports for the periodic validation loop.
type Validator interface {
	Run(ctx context.Context) validate.Report
}

// Config carries serve-mode settings derived from CLI flags and env vars.
type Config struct {
	Bind             string
	Token            string
	ShutdownTimeout  time.Duration
	ValidateInterval time.Duration
	Logger           *slog.Logger

	Inventory *inventory.Inventory
	Validator Validator
	DB        *coredb.DB
	Records   *coredb.RecordStore
}

// normalize applies defaults when values are not supplied.
func (c Config) normalize() Config {
	if c.Bind == "" {
		c.Bind = defaultBindAddress
	}
	if c.Token == "" {
		c.Token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ValidateInterval <= 0 {
		c.ValidateInterval = defaultValidateInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return c
}

func (c Config) check() error {
	if c.Inventory == nil {
		return errors.New("server requires an inventory")
	}
	if c.Token == "" && !isLoopbackAddress(c.Bind) {
		return ErrTokenRequired
	}
	return nil
}

// openMetrics reports whether /metrics may be scraped without a token.
func (c Config) openMetrics() bool {
	return c.Token == "" || isLoopbackAddress(c.Bind)
}

func isLoopbackAddress(bind string) bool {
	host := bind
	if strings.Contains(bind, ":") {
		parsedHost, _, err := net.SplitHostPort(bind)
		if err == nil {
			host = parsedHost
		}
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if host == "*" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
