package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalYAML = `
version: 1
kernel:
  workers: 2
  seed_salt: deadbeef
tenants:
  path: tenants.yaml
stores: {}
`

func TestLoadAppliesDefaults(t *testing.T) {
	f, err := Load(write(t, "kernel.yaml", minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", f.Server.Addr)
	assert.Equal(t, 15*time.Second, f.Server.ReadTimeout.D())
	assert.Equal(t, 10*time.Second, f.Server.ShutdownTimeout.D())
	assert.Equal(t, 2, f.Kernel.Workers)
	assert.Equal(t, 2*time.Second, f.Kernel.AdmissionTimeout.D())
	assert.Equal(t, 24*time.Hour, f.Kernel.IdempotencyTTL.D())
	assert.Equal(t, 30*time.Second, f.Kernel.DrainTimeout.D())
	assert.Equal(t, BackendMemory, f.Stores.Registry)
	assert.Equal(t, BackendMemory, f.Stores.Evidence)
	assert.Equal(t, "info", f.Logging.Level)
	assert.Equal(t, "json", f.Logging.Format)
}

func TestLoadFullFile(t *testing.T) {
	path := write(t, "kernel.yaml", `
version: 1
server:
  addr: ":9443"
  cors_origins: ["https://app.example.com"]
  read_timeout: 5s
  write_timeout: 20s
kernel:
  workers: 8
  seed_salt: prod-salt-1
  admission_timeout: 3s
  idempotency_ttl: 48h
  drain_timeout: 1m
tenants:
  path: /etc/dyocense/tenants.yaml
  watch: true
stores:
  registry: postgres
  budget: postgres
  idempotency: redis
  evidence: clickhouse
  postgres_dsn: postgres://kernel@db/kernel
  redis_addr: redis:6379
  clickhouse_dsn: clickhouse://ch:9000/evidence
logging:
  level: debug
  format: console
`)
	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", f.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, f.Server.CORSOrigins)
	assert.Equal(t, 8, f.Kernel.Workers)
	assert.Equal(t, 48*time.Hour, f.Kernel.IdempotencyTTL.D())
	assert.True(t, f.Tenants.Watch)
	assert.Equal(t, BackendPostgres, f.Stores.Registry)
	assert.Equal(t, BackendClickHouse, f.Stores.Evidence)
	assert.Equal(t, "debug", f.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := write(t, "kernel.json", `{
  "version": 1,
  "server": {"addr": ":8081"},
  "kernel": {"workers": 1, "seed_salt": "s", "admission_timeout": "2s"},
  "tenants": {"path": "tenants.yaml"},
  "stores": {}
}`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", f.Server.Addr)
	assert.Equal(t, 1, f.Kernel.Workers)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(write(t, "kernel.yaml", minimalYAML+"\nworkres: 3\n"))
	require.Error(t, err)

	_, err = Load(write(t, "kernel.json", `{"version": 1, "kernle": {}}`))
	require.Error(t, err)
}

func TestLoadRejectsTrailingDocuments(t *testing.T) {
	_, err := Load(write(t, "kernel.yaml", minimalYAML+"---\nversion: 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad version",
			body: "version: 3\nkernel:\n  workers: 1\n  seed_salt: s\ntenants:\n  path: t.yaml\nstores: {}\n",
			want: "unsupported config version",
		},
		{
			name: "missing salt",
			body: "version: 1\nkernel:\n  workers: 1\ntenants:\n  path: t.yaml\nstores: {}\n",
			want: "SeedSalt",
		},
		{
			name: "missing tenants path",
			body: "version: 1\nkernel:\n  workers: 1\n  seed_salt: s\nstores: {}\n",
			want: "Path",
		},
		{
			name: "postgres without dsn",
			body: "version: 1\nkernel:\n  workers: 1\n  seed_salt: s\ntenants:\n  path: t.yaml\nstores:\n  registry: postgres\n",
			want: "postgres_dsn",
		},
		{
			name: "redis without addr",
			body: "version: 1\nkernel:\n  workers: 1\n  seed_salt: s\ntenants:\n  path: t.yaml\nstores:\n  idempotency: redis\n",
			want: "redis_addr",
		},
		{
			name: "fs evidence without root",
			body: "version: 1\nkernel:\n  workers: 1\n  seed_salt: s\ntenants:\n  path: t.yaml\nstores:\n  evidence: fs\n",
			want: "evidence_root",
		},
		{
			name: "unknown backend",
			body: "version: 1\nkernel:\n  workers: 1\n  seed_salt: s\ntenants:\n  path: t.yaml\nstores:\n  registry: dynamo\n",
			want: "oneof",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(write(t, "kernel.yaml", tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
