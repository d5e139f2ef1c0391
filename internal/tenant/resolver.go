package tenant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// tierFile is the on-disk directory of tiers and tenants.
type tierFile struct {
	Version int                `yaml:"version"`
	Tiers   map[TierName]*Tier `yaml:"tiers,omitempty"`
	Tenants []tenantEntry      `yaml:"tenants"`
}

type tenantEntry struct {
	TenantID string   `yaml:"tenant_id" validate:"required"`
	Tier     TierName `yaml:"tier" validate:"required"`
	// Static bearer token for the HTTP surface. OIDC integration replaces
	// this resolver wholesale, not this field.
	Token string `yaml:"token" validate:"required"`
}

type directory struct {
	byToken  map[string]Identity
	byTenant map[string]Identity
}

// FileResolver serves identities from a YAML tier file and supports hot
// reload. Lookups are lock-free reads of an atomically swapped snapshot.
type FileResolver struct {
	path string
	log  *zap.Logger
	dir  atomic.Pointer[directory]
}

var _ Resolver = (*FileResolver)(nil)

func NewFileResolver(path string, log *zap.Logger) (*FileResolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &FileResolver{path: path, log: log}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the tier file. On error the previous snapshot stays live.
func (r *FileResolver) Reload() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("tenant: read %s: %w", r.path, err)
	}
	dir, err := parseTierFile(b)
	if err != nil {
		return fmt.Errorf("tenant: %s: %w", r.path, err)
	}
	r.dir.Store(dir)
	r.log.Info("tenant directory loaded",
		zap.String("path", r.path),
		zap.Int("tenants", len(dir.byTenant)))
	return nil
}

// Watch re-loads the file on filesystem changes until ctx is done. Editors
// replace files via rename, so it watches the parent directory and filters.
func (r *FileResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tenant: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("tenant: watch %s: %w", filepath.Dir(r.path), err)
	}
	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn("tenant directory reload failed; keeping previous", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("tenant directory watcher error", zap.Error(err))
		}
	}
}

func (r *FileResolver) ResolveToken(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := r.dir.Load().byToken[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return id, nil
}

func (r *FileResolver) ResolveTenant(ctx context.Context, tenantID string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := r.dir.Load().byTenant[tenantID]
	if !ok {
		return Identity{}, ErrUnknownTenant
	}
	return id, nil
}

func parseTierFile(b []byte) (*directory, error) {
	var f tierFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("multiple yaml documents are not allowed")
		}
		return nil, err
	}

	tiers := DefaultTiers()
	for name, t := range f.Tiers {
		if t == nil {
			continue
		}
		merged := mergeTier(tiers[name], name, *t)
		tiers[name] = merged
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	for name, t := range tiers {
		if err := v.Struct(t); err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
	}

	dir := &directory{
		byToken:  make(map[string]Identity, len(f.Tenants)),
		byTenant: make(map[string]Identity, len(f.Tenants)),
	}
	for i, e := range f.Tenants {
		if err := v.Struct(e); err != nil {
			return nil, fmt.Errorf("tenants[%d]: %w", i, err)
		}
		e.TenantID = strings.TrimSpace(e.TenantID)
		t, ok := tiers[e.Tier]
		if !ok {
			return nil, fmt.Errorf("tenants[%d] (%s): unknown tier %q", i, e.TenantID, e.Tier)
		}
		if _, dup := dir.byTenant[e.TenantID]; dup {
			return nil, fmt.Errorf("duplicate tenant_id %q", e.TenantID)
		}
		if _, dup := dir.byToken[e.Token]; dup {
			return nil, fmt.Errorf("duplicate token for tenant %q", e.TenantID)
		}
		id := Identity{TenantID: e.TenantID, Tier: t}
		dir.byTenant[e.TenantID] = id
		dir.byToken[e.Token] = id
	}
	return dir, nil
}

// mergeTier lays file overrides over the built-in tier so partial tier
// definitions work. Unset numeric fields keep defaults.
func mergeTier(base Tier, name TierName, over Tier) Tier {
	out := base
	out.Name = name
	if out.Weight == 0 {
		out.Weight = 1
	}
	if over.Weight > 0 {
		out.Weight = over.Weight
	}
	c := &out.Caps
	oc := over.Caps
	if oc.MaxParallelRuns > 0 {
		c.MaxParallelRuns = oc.MaxParallelRuns
	}
	if oc.MaxQueueDepth > 0 {
		c.MaxQueueDepth = oc.MaxQueueDepth
	}
	if oc.MaxScenarios > 0 {
		c.MaxScenarios = oc.MaxScenarios
	}
	if oc.MaxHorizon > 0 {
		c.MaxHorizon = oc.MaxHorizon
	}
	if oc.MaxTablesProfileBytes > 0 {
		c.MaxTablesProfileBytes = oc.MaxTablesProfileBytes
	}
	if oc.MaxDataInputsBytes > 0 {
		c.MaxDataInputsBytes = oc.MaxDataInputsBytes
	}
	if oc.MIPGapFloor > 0 {
		c.MIPGapFloor = oc.MIPGapFloor
	}
	if oc.MaxBudgetOverride > 0 {
		c.MaxBudgetOverride = oc.MaxBudgetOverride
	}
	if oc.PartialBilling != "" {
		c.PartialBilling = oc.PartialBilling
	}
	for k, d := range oc.StageTimeouts {
		if c.StageTimeouts == nil {
			c.StageTimeouts = map[string]Duration{}
		}
		c.StageTimeouts[k] = d
	}
	if !oc.Budget.IsZero() {
		c.Budget = oc.Budget
	}
	return out
}

// MapResolver is a fixed in-memory resolver for tests and embedded use.
type MapResolver struct {
	ByToken  map[string]Identity
	ByTenant map[string]Identity
}

var _ Resolver = (*MapResolver)(nil)

// NewMapResolver indexes identities by tenant id; tokens equal tenant ids.
func NewMapResolver(ids ...Identity) *MapResolver {
	r := &MapResolver{
		ByToken:  make(map[string]Identity, len(ids)),
		ByTenant: make(map[string]Identity, len(ids)),
	}
	for _, id := range ids {
		r.ByToken[id.TenantID] = id
		r.ByTenant[id.TenantID] = id
	}
	return r
}

func (r *MapResolver) ResolveToken(_ context.Context, token string) (Identity, error) {
	id, ok := r.ByToken[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return id, nil
}

func (r *MapResolver) ResolveTenant(_ context.Context, tenantID string) (Identity, error) {
	id, ok := r.ByTenant[tenantID]
	if !ok {
		return Identity{}, ErrUnknownTenant
	}
	return id, nil
}
