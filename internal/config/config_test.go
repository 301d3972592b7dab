package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, 2*time.Second, cfg.DispatchBlock)
	assert.Empty(t, cfg.AdminEmail)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "SQL")
	t.Setenv("RESERVATION_TTL", "0s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DISPATCH_CONCURRENCY", "3")
	t.Setenv("ADMIN_EMAIL", "ops@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sql", cfg.StoreDriver)
	assert.Equal(t, time.Duration(0), cfg.ReservationTTL)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.DispatchConcurrency)
	assert.Equal(t, "ops@example.com", cfg.AdminEmail)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		env  string
		val  string
		want string
	}{
		{"DB_DRIVER", "mysql", "DB_DRIVER"},
		{"STORE_DRIVER", "memory", "STORE_DRIVER"},
		{"RESERVATION_TTL", "-1s", "RESERVATION_TTL"},
		{"SEND_MAX_ATTEMPTS", "0", "SEND_MAX_ATTEMPTS"},
		{"DISPATCH_BLOCK", "0s", "DISPATCH_BLOCK"},
		{"PENDING_LEASE", "0s", "PENDING_LEASE"},
		{"RESERVE_RATE_WINDOW", "10ms", "RESERVE_RATE_WINDOW"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.env, tc.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,,b "))
	assert.Empty(t, splitCSV(""))
}
