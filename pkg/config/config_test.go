package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func readYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return Read(v)
}

func TestReadAppliesDefaults(t *testing.T) {
	cfg, err := readYAML(t, `
APP_ENV: production
DATABASE:
  TYPE: sqlite
  DBNAME: keyserver.db
`)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, "keyserver", cfg.AppName)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, "8080", cfg.Server.Addr)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	require.Equal(t, int64(1), cfg.Snowflake.Node)
	require.Equal(t, DefaultAccessModel, cfg.AccessControl.Model)
}

func TestReadRejectsTLSWithoutCertificate(t *testing.T) {
	_, err := readYAML(t, `
TLS:
  ENABLE: true
`)
	require.Error(t, err)
}

func TestReadRejectsBadThrottle(t *testing.T) {
	_, err := readYAML(t, `
THROTTLE:
  ENABLE: true
  LIMIT: 0
`)
	require.Error(t, err)
}
