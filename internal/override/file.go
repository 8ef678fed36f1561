package override

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"rentalsync/internal/config"
	"rentalsync/internal/model"
)

const fileFormatVersion = "1.0"

// fileDoc is the on-disk layout of the JSON store.
type fileDoc struct {
	Version      string       `json:"version"`
	LastModified string       `json:"last_modified"`
	Events       []fileRecord `json:"events"`
	BlockedUIDs  []string     `json:"blocked_uids,omitempty"`
}

// fileRecord keeps timestamps as text: older files carry ISO timestamps
// without an offset, which time.Time cannot unmarshal.
type fileRecord struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DateStart   string `json:"date_start,omitempty"`
	DateEnd     string `json:"date_end,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (r fileRecord) toModel() model.Override {
	return model.Override{
		ID:          r.ID,
		Type:        model.OverrideType(r.Type),
		Title:       r.Title,
		Description: r.Description,
		DateStart:   r.DateStart,
		DateEnd:     r.DateEnd,
		CreatedAt:   parseTimestamp(r.CreatedAt),
		UpdatedAt:   parseTimestamp(r.UpdatedAt),
	}
}

func recordFrom(o model.Override) fileRecord {
	return fileRecord{
		ID:          o.ID,
		Type:        string(o.Type),
		Title:       o.Title,
		Description: o.Description,
		DateStart:   o.DateStart,
		DateEnd:     o.DateEnd,
		CreatedAt:   formatTimestamp(o.CreatedAt),
		UpdatedAt:   formatTimestamp(o.UpdatedAt),
	}
}

// FileStore keeps overrides in a single JSON document. Edits are
// serialized by a mutex and each one rewrites the file atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// OpenFile returns a store over path. A missing file is an empty store.
func OpenFile(path string) *FileStore {
	return &FileStore{path: path, now: func() time.Time { return time.Now().UTC() }}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (fileDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileDoc{Version: fileFormatVersion}, nil
		}
		return fileDoc{}, err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDoc{}, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDoc) error {
	doc.Version = fileFormatVersion
	doc.LastModified = formatTimestamp(s.now())
	if doc.Events == nil {
		doc.Events = []fileRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.path, data, 0o600)
}

// Snapshot returns every override and blocked UID as currently persisted.
func (s *FileStore) Snapshot(ctx context.Context) (model.OverrideSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return model.OverrideSnapshot{}, err
	}
	snap := model.OverrideSnapshot{
		Overrides:   make([]model.Override, 0, len(doc.Events)),
		BlockedUIDs: append([]string(nil), doc.BlockedUIDs...),
	}
	for _, r := range doc.Events {
		snap.Overrides = append(snap.Overrides, r.toModel())
	}
	return snap, nil
}

func (s *FileStore) Create(ctx context.Context, in Input) (model.Override, error) {
	o, err := newOverride(in, s.now())
	if err != nil {
		return model.Override{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return model.Override{}, err
	}
	doc.Events = append(doc.Events, recordFrom(o))
	if err := s.save(doc); err != nil {
		return model.Override{}, err
	}
	return o, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (model.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return model.Override{}, err
	}
	for _, r := range doc.Events {
		if r.ID == id {
			return r.toModel(), nil
		}
	}
	return model.Override{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns overrides in file order.
func (s *FileStore) List(ctx context.Context) ([]model.Override, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Overrides, nil
}

func (s *FileStore) Update(ctx context.Context, id string, p Patch) (model.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return model.Override{}, err
	}
	for i, r := range doc.Events {
		if r.ID != id {
			continue
		}
		updated, err := apply(r.toModel(), p, s.now())
		if err != nil {
			return model.Override{}, err
		}
		doc.Events[i] = recordFrom(updated)
		if err := s.save(doc); err != nil {
			return model.Override{}, err
		}
		return updated, nil
	}
	return model.Override{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	for i, r := range doc.Events {
		if r.ID == id {
			doc.Events = append(doc.Events[:i], doc.Events[i+1:]...)
			return s.save(doc)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// BlockUID adds uid to the block list. Blocking twice is a no-op.
func (s *FileStore) BlockUID(ctx context.Context, uid string) error {
	n := model.NormalizeUID(uid)
	if n == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	for _, b := range doc.BlockedUIDs {
		if model.NormalizeUID(b) == n {
			return nil
		}
	}
	doc.BlockedUIDs = append(doc.BlockedUIDs, n)
	return s.save(doc)
}

func (s *FileStore) UnblockUID(ctx context.Context, uid string) error {
	n := model.NormalizeUID(uid)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	kept := doc.BlockedUIDs[:0]
	found := false
	for _, b := range doc.BlockedUIDs {
		if model.NormalizeUID(b) == n {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return fmt.Errorf("%w: blocked uid %s", ErrNotFound, uid)
	}
	doc.BlockedUIDs = kept
	return s.save(doc)
}
