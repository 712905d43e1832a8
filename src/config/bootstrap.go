package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/stake-plus/member-proposals/src/data"
)

// Bootstrap is read from the environment before the database is available.
type Bootstrap struct {
	DatabaseDriver string `env:"DATABASE_DRIVER"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	MySQLDSN       string `env:"MYSQL_DSN"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"console"`
}

// LoadBootstrap parses the bootstrap environment.
func LoadBootstrap() (Bootstrap, error) {
	var b Bootstrap
	if err := env.Parse(&b); err != nil {
		return b, fmt.Errorf("parse env: %w", err)
	}
	return b, nil
}

// Driver returns the database driver. MYSQL_DSN alone selects MySQL;
// otherwise SQLite is used.
func (b Bootstrap) Driver() string {
	if d := strings.ToLower(strings.TrimSpace(b.DatabaseDriver)); d != "" {
		return d
	}
	if strings.TrimSpace(b.MySQLDSN) != "" {
		return data.DriverMySQL
	}
	return data.DriverSQLite
}

// DSN returns the connection string for Driver.
func (b Bootstrap) DSN() string {
	if strings.TrimSpace(b.DatabaseDSN) != "" {
		return b.DatabaseDSN
	}
	if b.Driver() == data.DriverMySQL {
		return b.MySQLDSN
	}
	return ""
}
