package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
security:
  jwt_secret: file-secret
database:
  driver: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, 64, cfg.Negotiation.BufferSize)
	assert.Equal(t, "@every 15m", cfg.Reconciliation.Schedule)
	assert.Equal(t, "file-secret", cfg.Security.JWTSecret)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetServerAddr())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
security:
  jwt_secret: file-secret
server:
  port: 9000
`)
	t.Setenv("AGRI_SERVER_PORT", "9100")
	t.Setenv("AGRI_SECURITY_JWT_SECRET", "env-secret")
	t.Setenv("AGRI_DATABASE_HOST", "db.internal")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Security.JWTSecret)
	assert.Equal(t, "postgres://postgres:@db.internal:5432/agrilink_contracts?sslmode=disable", cfg.Database.GetDatabaseURL())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:      ServerConfig{Port: 8080},
			Database:    DatabaseConfig{Driver: "memory"},
			Security:    SecurityConfig{JWTSecret: "s"},
			Storage:     StorageConfig{Provider: "memory"},
			Negotiation: NegotiationConfig{BufferSize: 8},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Security.JWTSecret = "" }, "jwt_secret"},
		{"bad driver", func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		{"s3 without bucket", func(c *Config) { c.Storage.Provider = "s3" }, "storage.s3.bucket"},
		{"cloudinary without credentials", func(c *Config) { c.Storage.Provider = "cloudinary" }, "cloudinary credentials"},
		{"zero buffer", func(c *Config) { c.Negotiation.BufferSize = 0 }, "buffer_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
