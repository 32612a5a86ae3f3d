package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FSStore keeps one payload file and one JSON index per key under
// <root>/<location-slug>/<short-code>/.
//
// Writes never touch the previous payload: the new payload gets its own
// content-addressed name, then the index is swapped with a rename.
type FSStore struct {
	root string
	opts options
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string, opts ...Option) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("cache: fs root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}
	return &FSStore{root: root, opts: buildOptions(opts)}, nil
}

// Root returns the cache directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) dir(key Key) string {
	return filepath.Join(key.Location, key.ShortCode)
}

func (s *FSStore) base(key Key) string {
	return key.Label() + "-" + key.Hash[:16]
}

func (s *FSStore) indexPath(key Key) string {
	return filepath.Join(s.root, s.dir(key), s.base(key)+".json")
}

func (s *FSStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	e, _, ok, err := s.Load(ctx, key)
	return e, ok, err
}

func (s *FSStore) Exists(ctx context.Context, key Key) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Load returns the entry and its verified payload.
func (s *FSStore) Load(ctx context.Context, key Key) (*Entry, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("context error: %w", err)
	}

	raw, err := os.ReadFile(s.indexPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, false, nil
	}
	if err != nil {
		s.opts.corrupt(key, "read index", err)
		return nil, nil, false, nil
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.opts.corrupt(key, "decode index", err)
		return nil, nil, false, nil
	}

	payload, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(e.PayloadRef)))
	if err != nil {
		s.opts.corrupt(key, "read payload", err)
		return nil, nil, false, nil
	}
	if err := verify(&e, key, payload); err != nil {
		s.opts.corrupt(key, "verify payload", err)
		return nil, nil, false, nil
	}

	return &e, payload, true, nil
}

// Put writes the payload, then atomically replaces the index.
func (s *FSStore) Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	dir := filepath.Join(s.root, s.dir(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}

	e := newEntry(key, payload, cov, s.opts.now())
	payloadName := s.base(key) + "." + e.Checksum[:12] + ".csv"
	e.PayloadRef = filepath.ToSlash(filepath.Join(s.dir(key), payloadName))

	if err := writeFileAtomic(filepath.Join(dir, payloadName), payload); err != nil {
		return nil, fmt.Errorf("cache: write payload: %w", err)
	}

	// previous index, if any, so the superseded payload can be removed
	var prev Entry
	prevOK := false
	if raw, err := os.ReadFile(s.indexPath(key)); err == nil {
		prevOK = json.Unmarshal(raw, &prev) == nil
	}

	index, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cache: encode index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(key), index); err != nil {
		return nil, fmt.Errorf("cache: write index: %w", err)
	}

	if prevOK && prev.PayloadRef != "" && prev.PayloadRef != e.PayloadRef {
		old := filepath.Join(s.root, filepath.FromSlash(prev.PayloadRef))
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.opts.logger.Warn("cache: remove superseded payload",
				zap.String("path", old),
				zap.Error(err),
			)
		}
	}

	return e, nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
