// Package capturestore persists capture shots: the encoded frame as a file
// under the workflow's output directory and a record in a badger index.
package capturestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-defect-station/internal/capture"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("capturestore: entry not found")

// Entry is the indexed record of one shot.
type Entry struct {
	Key        string         `msgpack:"key" json:"key"`
	WorkflowID string         `msgpack:"workflow_id" json:"workflow_id"`
	TaskID     string         `msgpack:"task_id" json:"capture_task_id"`
	Shot       int            `msgpack:"shot" json:"shot"`
	CapturedAt time.Time      `msgpack:"captured_at" json:"captured_at"`
	RunID      string         `msgpack:"run_id" json:"run_id"`
	Tags       map[string]any `msgpack:"tags" json:"tags,omitempty"`
	Path       string         `msgpack:"path,omitempty" json:"path,omitempty"`
}

// Store writes frames below root and indexes entries in badger.
type Store struct {
	root string
	db   *badger.DB
}

// Open opens (or creates) the output root and the index at indexDir.
func Open(root, indexDir string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("capturestore: create output dir: %w", err)
	}
	opts := badger.DefaultOptions(indexDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("capturestore: open index: %w", err)
	}
	return &Store{root: root, db: db}, nil
}

// Close closes the index.
func (s *Store) Close() error { return s.db.Close() }

// Store persists one shot. The frame file, if any, is written atomically
// before the index entry that references it.
func (s *Store) Store(ctx context.Context, rec capture.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := Entry{
		Key:        rec.Key,
		WorkflowID: rec.WorkflowID,
		TaskID:     rec.TaskID,
		Shot:       rec.Shot,
		CapturedAt: rec.CapturedAt,
		RunID:      rec.Result.RunID,
		Tags:       rec.Result.Tags,
	}

	if len(rec.Result.Frame) > 0 {
		path, err := s.writeFrame(rec, rec.Result.Frame)
		if err != nil {
			return err
		}
		entry.Path = path
	}

	buf, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("capturestore: encode entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(rec.WorkflowID, rec.Key), buf)
	})
	if err != nil {
		return fmt.Errorf("capturestore: index %s: %w", rec.Key, err)
	}

	slog.Debug("capturestore: shot stored",
		"workflow_id", rec.WorkflowID,
		"key", rec.Key,
		"path", entry.Path,
		"frame_bytes", len(rec.Result.Frame),
	)
	return nil
}

// Get returns the entry for key.
func (s *Store) Get(workflowID, key string) (Entry, error) {
	var out Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(workflowID, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("capturestore: get %s: %w", key, err)
	}
	return out, nil
}

// List returns every entry of a workflow in key order.
func (s *Store) List(workflowID string) ([]Entry, error) {
	prefix := indexKey(workflowID, "")
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("capturestore: list %s: %w", workflowID, err)
	}
	return out, nil
}

// outputDir is the record's output path below root, the workflow ID when it
// has none. The path never escapes root.
func (s *Store) outputDir(rec capture.Record) string {
	rel := rec.OutputPath
	if rel == "" {
		rel = rec.WorkflowID
	}
	return filepath.Join(s.root, filepath.Clean(string(filepath.Separator)+rel))
}

func (s *Store) writeFrame(rec capture.Record, frame []byte) (string, error) {
	dir := s.outputDir(rec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("capturestore: create output dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(rec.Key)+frameExt(frame))

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", fmt.Errorf("capturestore: create pending file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			slog.Debug("capturestore: cleanup pending file", "path", path, "error", err)
		}
	}()

	if _, err := pendingFile.Write(frame); err != nil {
		return "", fmt.Errorf("capturestore: write frame: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("capturestore: atomically replace frame: %w", err)
	}
	return path, nil
}

func indexKey(workflowID, key string) []byte {
	return []byte("capture:" + workflowID + ":" + key)
}

var (
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
)

// frameExt picks a file extension from the payload's magic bytes.
func frameExt(frame []byte) string {
	switch {
	case bytes.HasPrefix(frame, jpegMagic):
		return ".jpg"
	case bytes.HasPrefix(frame, pngMagic):
		return ".png"
	default:
		return ".raw"
	}
}
