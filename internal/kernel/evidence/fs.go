package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore lays evidence out as files under root:
//
//	<root>/<tenant>/evidence/<run_id>/graph.json
//	<root>/<tenant>/evidence/<run_id>/<sha256>
//
// Blob files are content-addressed, so rewriting a blob is always a no-op.
// graph.json is written with a temp file plus rename so readers never see a
// torn document.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("evidence fs store: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("evidence fs store: %w", err)
	}
	return &FSStore{root: root}, nil
}

// graphDoc is the on-disk graph shape; snapshot bodies live in their own
// files.
type graphDoc struct {
	RunID     string     `json:"run_id"`
	TenantID  string     `json:"tenant_id"`
	WrittenAt string     `json:"written_at"`
	Nodes     []Node     `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	Snapshots []snapMeta `json:"snapshots"`
}

type snapMeta struct {
	Ref    string `json:"ref"`
	SHA256 string `json:"sha256"`
	Media  string `json:"media"`
}

func (s *FSStore) Append(_ context.Context, b Batch) error {
	dir := filepath.Join(s.root, b.TenantID, "evidence", b.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("evidence dir %s: %w", dir, err)
	}

	for _, snap := range b.Snapshots {
		path := filepath.Join(dir, snap.SHA256)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeFileAtomic(path, snap.Body); err != nil {
			return fmt.Errorf("evidence blob %s: %w", snap.SHA256, err)
		}
	}

	doc := graphDoc{
		RunID:     b.RunID,
		TenantID:  b.TenantID,
		WrittenAt: b.WrittenAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Nodes:     b.Nodes,
		Edges:     b.Edges,
	}
	for _, snap := range b.Snapshots {
		doc.Snapshots = append(doc.Snapshots, snapMeta{Ref: snap.Ref, SHA256: snap.SHA256, Media: snap.Media})
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode evidence graph: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "graph.json"), body); err != nil {
		return fmt.Errorf("evidence graph for %s: %w", b.RunID, err)
	}
	return nil
}

func (s *FSStore) Close() error { return nil }

// writeFileAtomic writes via a temp file in the target directory and renames
// into place.
func writeFileAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
