package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/trellisca/trellis/config"
)

// ServiceConfig contains config items that are common to all our services,
// to be embedded in other config structs.
type ServiceConfig struct {
	// DebugAddr is the address to run the /debug and /metrics handlers on.
	DebugAddr string `validate:"omitempty,hostname_port"`
}

// DBConfig defines how to connect to a database. The connect string is
// stored in a file separate from the config, because it can contain a
// password, which we want to keep out of configs.
type DBConfig struct {
	// A file containing a connect URL for the DB.
	DBConnectFile string `validate:"required"`

	// MaxOpenConns sets the maximum number of open connections to the
	// database. If MaxIdleConns is greater than 0 and MaxOpenConns is
	// less than MaxIdleConns, then MaxIdleConns will be reduced to
	// match the new MaxOpenConns limit. Zero means no limit.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of connections in the idle
	// connection pool. Zero means the default (2). Negative means no idle
	// connections are retained.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum amount of time a connection may
	// be reused. Zero means connections are reused forever.
	ConnMaxLifetime config.Duration

	// ConnMaxIdleTime sets the maximum amount of time a connection may
	// be idle. Zero means connections are not closed due to idle time.
	ConnMaxIdleTime config.Duration
}

// URL returns the DB connect URL loaded from DBConnectFile.
func (d *DBConfig) URL() (string, error) {
	url, err := os.ReadFile(d.DBConnectFile)
	if err != nil {
		return "", fmt.Errorf("reading DB connect file %q: %w", d.DBConnectFile, err)
	}
	trimmed := strings.TrimSpace(string(url))
	if trimmed == "" {
		return "", errors.New("DB connect file was empty")
	}
	return trimmed, nil
}

// GoodKeyConfig holds the file paths the key policy loads its weak and
// blocked key lists from. Both are optional.
type GoodKeyConfig struct {
	WeakKeyFile    string
	BlockedKeyFile string
}

// IssuerConfig names the files an issuing certificate and its private key
// are loaded from.
type IssuerConfig struct {
	CertFile string `validate:"required"`
	KeyFile  string `validate:"required"`
}
