// Package flags is the runtime flag store. Flags live in one
// versioned YAML document that reaches disk through a temp-file
// rename before the in-memory copy advances, so a crashed write never
// leaves a torn file. Snapshots append to an ordered log that is
// never pruned. Every mutation appends an audit entry and publishes a
// FlagsChanged event for subscribers holding cached reads.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

// SchemaVersion is the document schema this build reads and writes.
// Older same-major files load as-is; newer or different-major files
// refuse to load.
const SchemaVersion = "1.0.0"

// ErrNoSnapshot reports a restore against an id absent from the log.
var ErrNoSnapshot = errors.New("no snapshot")

// Document is the on-disk shape of the store. Version counts writes
// since the store was created and increments on every Set and
// Restore.
type Document struct {
	SchemaVersion string         `yaml:"schema_version"`
	Version       int            `yaml:"version"`
	UpdatedAt     time.Time      `yaml:"updated_at"`
	UpdatedBy     string         `yaml:"updated_by,omitempty"`
	Flags         map[string]any `yaml:"flags"`
}

// snapshotDoc is one entry of the snapshot log, a full copy of the
// flag map at capture time.
type snapshotDoc struct {
	ID            string         `yaml:"id"`
	SchemaVersion string         `yaml:"schema_version"`
	TakenAt       time.Time      `yaml:"taken_at"`
	Reason        string         `yaml:"reason,omitempty"`
	Actor         string         `yaml:"actor,omitempty"`
	Version       int            `yaml:"version"`
	Flags         map[string]any `yaml:"flags"`
}

// SnapshotInfo describes one snapshot in the log.
type SnapshotInfo struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
	Reason  string    `json:"reason,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Version int       `json:"version"`
}

// AuditSink appends one entry per mutation.
type AuditSink interface {
	InsertAudit(ctx context.Context, a *tickstore.AuditRecord) error
}

// Deps are the store's collaborators. Nil fields skip the
// corresponding side effect.
type Deps struct {
	Audit  AuditSink
	Events *bus.Bus
}

// Store owns the flag document. Writes serialize through one mutex;
// readers copy under the same mutex, so no caller ever sees a
// half-applied write.
type Store struct {
	path        string
	snapshotDir string
	deps        Deps
	log         zerolog.Logger

	mu  sync.Mutex
	doc Document
}

// Open loads the flag document at cfg.Path, or starts a fresh empty
// one when the file does not exist yet. An unreadable or
// schema-incompatible file is a startup failure, never a silent
// fresh store.
func Open(cfg config.FlagsConfig, deps Deps, logger zerolog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("flags path not configured")
	}
	snapshotDir := cfg.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Join(filepath.Dir(cfg.Path), "flag_snapshots")
	}

	s := &Store{
		path:        cfg.Path,
		snapshotDir: snapshotDir,
		deps:        deps,
		log:         logger.With().Str("component", "flags").Logger(),
		doc: Document{
			SchemaVersion: SchemaVersion,
			Flags:         map[string]any{},
		},
	}

	data, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Info().Str("path", cfg.Path).Msg("No flags file, starting fresh")
	case err != nil:
		return nil, fmt.Errorf("read flags file: %w", err)
	default:
		var doc Document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse flags file %s: %w", cfg.Path, err)
		}
		if err := checkSchema(doc.SchemaVersion); err != nil {
			return nil, fmt.Errorf("flags file %s: %w", cfg.Path, err)
		}
		if doc.Flags == nil {
			doc.Flags = map[string]any{}
		}
		s.doc = doc
		s.log.Info().
			Int("version", doc.Version).
			Int("flags", len(doc.Flags)).
			Msg("Flags loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create flags directory: %w", err)
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return s, nil
}

// checkSchema rejects documents this build cannot read: anything
// newer than SchemaVersion, and older majors with no migration path.
func checkSchema(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}
	current, err := semver.NewVersion(version)
	if err != nil {
		current, err = semver.NewVersion(version + ".0")
		if err != nil {
			return fmt.Errorf("invalid schema version: %s", version)
		}
	}
	target := semver.MustParse(SchemaVersion)
	if current.GreaterThan(target) {
		return fmt.Errorf("schema %s is newer than supported %s", version, SchemaVersion)
	}
	if current.LessThan(target) && current.Major() != target.Major() {
		return fmt.Errorf("no migration path from schema %s to %s", version, SchemaVersion)
	}
	return nil
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.doc.Flags[key]
	return v, ok
}

// Bool returns the flag as a bool, or def when unset or mistyped.
func (s *Store) Bool(key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Float returns the flag as a float64. YAML integers coerce.
func (s *Store) Float(key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Int returns the flag as an int. Whole floats coerce.
func (s *Store) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	}
	return def
}

// String returns the flag as a string, or def when unset or mistyped.
func (s *Store) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetAll returns a copy of the current flag map.
func (s *Store) GetAll() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFlags(s.doc.Flags)
}

// Version returns the write counter of the current document.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Version
}

// Set writes one flag. The document persists before the in-memory
// copy advances; a failed persist leaves the live flags untouched.
func (s *Store) Set(ctx context.Context, key string, value any, actor string) error {
	if key == "" {
		return fmt.Errorf("empty flag key")
	}

	s.mu.Lock()
	before, _ := json.Marshal(s.doc.Flags)

	next := s.doc
	next.Flags = cloneFlags(s.doc.Flags)
	next.Flags[key] = value
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = actor

	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		metrics.RecordError("flag_persist", "flags")
		return fmt.Errorf("persist flags: %w", err)
	}
	s.doc = next
	s.mu.Unlock()

	metrics.FlagMutations.Inc()
	after, _ := json.Marshal(next.Flags)
	s.audit(ctx, actor, "flags.set", before, after)

	s.log.Info().
		Str("key", key).
		Interface("value", value).
		Int("version", next.Version).
		Str("actor", actor).
		Msg("Flag updated")
	s.publishEvent(ctx, bus.NewEvent(bus.EventFlagsChanged, bus.SeverityInfo, "", fmt.Sprintf("flag %s updated", key)).
		WithField("key", key).
		WithField("value", value).
		WithField("version", next.Version).
		WithField("actor", actor))
	return nil
}

// Snapshot appends a full copy of the current flag map to the
// snapshot log and returns the new snapshot's id. Prior snapshots are
// never deleted.
func (s *Store) Snapshot(ctx context.Context, reason, actor string) (string, error) {
	s.mu.Lock()
	snap := snapshotDoc{
		ID:            uuid.NewString(),
		SchemaVersion: s.doc.SchemaVersion,
		TakenAt:       time.Now().UTC(),
		Reason:        reason,
		Actor:         actor,
		Version:       s.doc.Version,
		Flags:         cloneFlags(s.doc.Flags),
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	// Nanosecond prefix keeps the directory listing in capture order.
	name := fmt.Sprintf("%d-%s.yaml", snap.TakenAt.UnixNano(), snap.ID)
	if err := writeAtomic(filepath.Join(s.snapshotDir, name), data); err != nil {
		metrics.RecordError("snapshot_write", "flags")
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	metrics.FlagSnapshots.Inc()

	meta, _ := json.Marshal(map[string]any{
		"snapshot_id": snap.ID,
		"reason":      reason,
		"version":     snap.Version,
	})
	s.audit(ctx, actor, "flags.snapshot", nil, meta)

	s.log.Info().
		Str("snapshot_id", snap.ID).
		Str("reason", reason).
		Int("version", snap.Version).
		Msg("Flags snapshot taken")
	return snap.ID, nil
}

// Restore replaces the live flag map with the snapshot's copy,
// exactly as captured. The document version still increments, so a
// restore is itself an audited write.
func (s *Store) Restore(ctx context.Context, id, actor string) error {
	if id == "" {
		return fmt.Errorf("empty snapshot id")
	}

	snap, err := s.readSnapshot(id)
	if err != nil {
		return err
	}
	if err := checkSchema(snap.SchemaVersion); err != nil {
		return fmt.Errorf("snapshot %s: %w", id, err)
	}

	s.mu.Lock()
	before, _ := json.Marshal(s.doc.Flags)

	next := s.doc
	next.Flags = cloneFlags(snap.Flags)
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = actor

	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		metrics.RecordError("flag_persist", "flags")
		return fmt.Errorf("persist flags: %w", err)
	}
	s.doc = next
	s.mu.Unlock()

	metrics.FlagMutations.Inc()
	after, _ := json.Marshal(next.Flags)
	s.audit(ctx, actor, "flags.restore", before, after)

	s.log.Info().
		Str("snapshot_id", id).
		Int("version", next.Version).
		Str("actor", actor).
		Msg("Flags restored from snapshot")
	s.publishEvent(ctx, bus.NewEvent(bus.EventFlagsChanged, bus.SeverityInfo, "", "flags restored from snapshot").
		WithField("restored_from", id).
		WithField("version", next.Version).
		WithField("actor", actor))
	return nil
}

// Snapshots lists the snapshot log in capture order.
func (s *Store) Snapshots() ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	infos := make([]SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		// Dotfiles are temp files from interrupted writes.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.snapshotDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", e.Name(), err)
		}
		var snap snapshotDoc
		if err := yaml.Unmarshal(data, &snap); err != nil {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("Skipping unreadable snapshot")
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:      snap.ID,
			TakenAt: snap.TakenAt,
			Reason:  snap.Reason,
			Actor:   snap.Actor,
			Version: snap.Version,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TakenAt.Before(infos[j].TakenAt) })
	return infos, nil
}

// readSnapshot locates a log entry by id.
func (s *Store) readSnapshot(id string) (*snapshotDoc, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "-"+id+".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.snapshotDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", id, err)
		}
		var snap snapshotDoc
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", id, err)
		}
		return &snap, nil
	}
	return nil, fmt.Errorf("%w %s", ErrNoSnapshot, id)
}

// persist lands doc at the live path. Callers hold s.mu so document
// writes reach disk in version order.
func (s *Store) persist(doc Document) error {
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return writeAtomic(s.path, data)
}

// writeAtomic writes data to a temp file in the target's directory
// and renames it into place. Rename is atomic on POSIX filesystems,
// so a concurrent reader never observes a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".flags-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("swap into place: %w", err)
	}
	return nil
}

func (s *Store) audit(ctx context.Context, actor, action string, before, after json.RawMessage) {
	if s.deps.Audit == nil && s.deps.Events == nil {
		return
	}
	rec := &tickstore.AuditRecord{
		ID:     ulid.Make().String(),
		Ts:     time.Now().UTC(),
		Actor:  actor,
		Action: action,
		Before: before,
		After:  after,
	}
	if s.deps.Audit != nil {
		if err := s.deps.Audit.InsertAudit(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("action", action).Msg("Failed to append audit entry")
			metrics.RecordError("audit_write", "flags")
		}
	}
	if s.deps.Events != nil {
		if err := s.deps.Events.PublishAudit(ctx, bus.AuditKindMutation, rec); err != nil {
			s.log.Warn().Err(err).Str("action", action).Msg("Audit publish failed")
		}
	}
}

func (s *Store) publishEvent(ctx context.Context, ev bus.Event) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", ev.Type).Msg("Failed to publish flags event")
	}
}

// cloneFlags copies the top level of the flag map. Flag values are
// treated as immutable once stored.
func cloneFlags(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
