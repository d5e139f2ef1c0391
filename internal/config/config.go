// Package config loads the kernel server configuration file. Decoding is
// strict in both YAML and JSON: unknown keys and trailing documents are
// errors, so typos fail at startup instead of silently running defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dyocense/kernel/internal/tenant"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendFS         = "fs"
	BackendClickHouse = "clickhouse"
)

// File is the on-disk server configuration.
type File struct {
	Version int `json:"version" yaml:"version"`

	Server struct {
		Addr            string          `json:"addr" yaml:"addr"`
		CORSOrigins     []string        `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
		ReadTimeout     tenant.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
		WriteTimeout    tenant.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
		ShutdownTimeout tenant.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	} `json:"server" yaml:"server"`

	Kernel struct {
		Workers          int             `json:"workers" yaml:"workers" validate:"gte=1"`
		SeedSalt         string          `json:"seed_salt" yaml:"seed_salt" validate:"required"`
		AdmissionTimeout tenant.Duration `json:"admission_timeout,omitempty" yaml:"admission_timeout,omitempty"`
		IdempotencyTTL   tenant.Duration `json:"idempotency_ttl,omitempty" yaml:"idempotency_ttl,omitempty"`
		DrainTimeout     tenant.Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	} `json:"kernel" yaml:"kernel"`

	Tenants struct {
		Path  string `json:"path" yaml:"path" validate:"required"`
		Watch bool   `json:"watch,omitempty" yaml:"watch,omitempty"`
	} `json:"tenants" yaml:"tenants"`

	Stores struct {
		Registry      string `json:"registry" yaml:"registry" validate:"oneof=memory postgres"`
		Budget        string `json:"budget" yaml:"budget" validate:"oneof=memory postgres"`
		Idempotency   string `json:"idempotency" yaml:"idempotency" validate:"oneof=memory redis"`
		Evidence      string `json:"evidence" yaml:"evidence" validate:"oneof=memory fs clickhouse"`
		PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
		RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
		EvidenceRoot  string `json:"evidence_root,omitempty" yaml:"evidence_root,omitempty"`
		ClickHouseDSN string `json:"clickhouse_dsn,omitempty" yaml:"clickhouse_dsn,omitempty"`
	} `json:"stores" yaml:"stores"`

	Logging struct {
		Level  string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
		Format string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=json console"`
	} `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Load reads, decodes, defaults, and validates the file at path. The format
// follows the extension: .json is strict JSON, everything else strict YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&f)
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &f, nil
}

func decodeJSONStrict(b []byte, f *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, f *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(f *File) {
	if f == nil {
		return
	}
	if f.Version == 0 {
		f.Version = 1
	}
	if strings.TrimSpace(f.Server.Addr) == "" {
		f.Server.Addr = ":8080"
	}
	if f.Server.ReadTimeout == 0 {
		f.Server.ReadTimeout = tenant.Duration(15 * time.Second)
	}
	if f.Server.WriteTimeout == 0 {
		f.Server.WriteTimeout = tenant.Duration(30 * time.Second)
	}
	if f.Server.ShutdownTimeout == 0 {
		f.Server.ShutdownTimeout = tenant.Duration(10 * time.Second)
	}
	if f.Kernel.Workers == 0 {
		f.Kernel.Workers = 4
	}
	if f.Kernel.AdmissionTimeout == 0 {
		f.Kernel.AdmissionTimeout = tenant.Duration(2 * time.Second)
	}
	if f.Kernel.IdempotencyTTL == 0 {
		f.Kernel.IdempotencyTTL = tenant.Duration(24 * time.Hour)
	}
	if f.Kernel.DrainTimeout == 0 {
		f.Kernel.DrainTimeout = tenant.Duration(30 * time.Second)
	}
	if f.Stores.Registry == "" {
		f.Stores.Registry = BackendMemory
	}
	if f.Stores.Budget == "" {
		f.Stores.Budget = BackendMemory
	}
	if f.Stores.Idempotency == "" {
		f.Stores.Idempotency = BackendMemory
	}
	if f.Stores.Evidence == "" {
		f.Stores.Evidence = BackendMemory
	}
	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}
	if f.Logging.Format == "" {
		f.Logging.Format = "json"
	}
}

func validate(f *File) error {
	if f == nil {
		return fmt.Errorf("config is nil")
	}
	if f.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", f.Version)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(f); err != nil {
		return err
	}
	if f.Server.ReadTimeout < 0 || f.Server.WriteTimeout < 0 || f.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}
	if f.Kernel.AdmissionTimeout <= 0 {
		return fmt.Errorf("kernel.admission_timeout must be > 0")
	}
	if f.Kernel.IdempotencyTTL <= 0 {
		return fmt.Errorf("kernel.idempotency_ttl must be > 0")
	}
	if f.Kernel.DrainTimeout <= 0 {
		return fmt.Errorf("kernel.drain_timeout must be > 0")
	}
	if needsPostgres(f) && strings.TrimSpace(f.Stores.PostgresDSN) == "" {
		return fmt.Errorf("stores.postgres_dsn is required when a store backend is %q", BackendPostgres)
	}
	if f.Stores.Idempotency == BackendRedis && strings.TrimSpace(f.Stores.RedisAddr) == "" {
		return fmt.Errorf("stores.redis_addr is required when stores.idempotency is %q", BackendRedis)
	}
	if f.Stores.Evidence == BackendFS && strings.TrimSpace(f.Stores.EvidenceRoot) == "" {
		return fmt.Errorf("stores.evidence_root is required when stores.evidence is %q", BackendFS)
	}
	if f.Stores.Evidence == BackendClickHouse && strings.TrimSpace(f.Stores.ClickHouseDSN) == "" {
		return fmt.Errorf("stores.clickhouse_dsn is required when stores.evidence is %q", BackendClickHouse)
	}
	return nil
}

func needsPostgres(f *File) bool {
	return f.Stores.Registry == BackendPostgres || f.Stores.Budget == BackendPostgres
}
