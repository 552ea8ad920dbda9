package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
)

// Key layout:
//
//	meta/{id}            DocumentInfo
//	snap/{id}/{version}  Snapshot
//	op/{id}/{version}    Operation
//
// ids are path-escaped and versions zero-padded so keys sort by version.
const (
	prefixMeta = "meta/"
	prefixSnap = "snap/"
	prefixOp   = "op/"
)

func metaKey(id string) []byte { return []byte(prefixMeta + url.PathEscape(id)) }

func snapPrefix(id string) []byte { return []byte(prefixSnap + url.PathEscape(id) + "/") }

func opPrefix(id string) []byte { return []byte(prefixOp + url.PathEscape(id) + "/") }

func versionKey(prefix []byte, version int) []byte {
	return append(append([]byte(nil), prefix...), fmt.Sprintf("%020d", version)...)
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path       string // ignored when InMemory is set
	InMemory   bool
	SyncWrites bool
	Logger     logrus.FieldLogger
}

// BadgerStore keeps documents in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if config.Path == "" {
		return nil, errors.New("badger store needs a path or in-memory mode")
	}
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.Path, err)
	}

	config.Logger.WithFields(logrus.Fields{
		"path":      config.Path,
		"in_memory": config.InMemory,
	}).Info("badger store opened")

	return &BadgerStore{db: db, log: config.Logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrStorageUnavailable, op, err)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) CreateDocument(ctx context.Context, id string) (DocumentInfo, error) {
	var info DocumentInfo
	err := s.db.Update(func(txn *badger.Txn) error {
		err := getJSON(txn, metaKey(id), &info)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		now := time.Now().UTC()
		info = DocumentInfo{ID: id, CreatedAt: now, UpdatedAt: now}
		return setJSON(txn, metaKey(id), info)
	})
	if err != nil {
		return DocumentInfo{}, unavailable("create document", err)
	}
	return info, nil
}

func (s *BadgerStore) GetDocument(ctx context.Context, id string) (DocumentInfo, error) {
	var info DocumentInfo
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, metaKey(id), &info)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return DocumentInfo{}, fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return DocumentInfo{}, unavailable("get document", err)
	}
	return info, nil
}

func (s *BadgerStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	var docs []DocumentInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMeta)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info DocumentInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			docs = append(docs, info)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
	return docs, nil
}

func (s *BadgerStore) SetTitle(ctx context.Context, id, title string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var info DocumentInfo
		if err := getJSON(txn, metaKey(id), &info); err != nil {
			return err
		}
		info.Title = title
		info.UpdatedAt = time.Now().UTC()
		return setJSON(txn, metaKey(id), info)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return unavailable("set title", err)
	}
	return nil
}

// collectKeys returns every key under prefix whose trailing version is
// <= through (all keys when through < 0).
func (s *BadgerStore) collectKeys(prefix []byte, through int) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		limit := versionKey(prefix, through)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if through >= 0 && string(key) > string(limit) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) deleteKeys(keys [][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteDocument removes meta/{id} first so that concurrent appends and
// snapshot saves fail with errs.ErrNotFound, then sweeps the op and snap
// keys. Appends that committed before the meta delete are swept with them.
func (s *BadgerStore) DeleteDocument(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(id)); err != nil {
			return err
		}
		return txn.Delete(metaKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return unavailable("delete document", err)
	}

	var keys [][]byte
	for _, prefix := range [][]byte{opPrefix(id), snapPrefix(id)} {
		found, err := s.collectKeys(prefix, -1)
		if err != nil {
			return unavailable("delete document", err)
		}
		keys = append(keys, found...)
	}
	if err := s.deleteKeys(keys); err != nil {
		return unavailable("delete document", err)
	}
	s.log.WithFields(logrus.Fields{"doc": id, "keys": len(keys) + 1}).Info("document deleted")
	return nil
}

func (s *BadgerStore) LatestSnapshot(ctx context.Context, id string) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = snapPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(snapPrefix(id), 0xFF))
		if !it.Valid() {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return Snapshot{}, false, unavailable("latest snapshot", err)
	}
	return snap, found, nil
}

func (s *BadgerStore) ListSnapshots(ctx context.Context, id string) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = snapPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(snapPrefix(id), 0xFF)); it.Valid(); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			snap.Content = ""
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list snapshots", err)
	}
	return snaps, nil
}

func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var info DocumentInfo
		if err := getJSON(txn, metaKey(snap.DocumentID), &info); err != nil {
			return err
		}
		return setJSON(txn, versionKey(snapPrefix(snap.DocumentID), snap.Version), snap)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, snap.DocumentID)
	}
	if err != nil {
		return unavailable("save snapshot", err)
	}
	return nil
}

// AppendOperation stores op at op.Version. An expired ctx aborts the
// transaction before anything is written.
func (s *BadgerStore) AppendOperation(ctx context.Context, id string, op *operations.Operation) error {
	key := versionKey(opPrefix(id), op.Version)
	err := s.db.Update(func(txn *badger.Txn) error {
		var info DocumentInfo
		if err := getJSON(txn, metaKey(id), &info); err != nil {
			return err
		}
		if _, err := txn.Get(key); err == nil {
			return errs.ErrVersionConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := setJSON(txn, key, op); err != nil {
			return err
		}
		info.Version = op.Version
		info.UpdatedAt = time.Now().UTC()
		return setJSON(txn, metaKey(id), info)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrVersionConflict):
		return fmt.Errorf("%w: document %s version %d already stored", errs.ErrVersionConflict, id, op.Version)
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	default:
		return unavailable("append operation", err)
	}
}

func (s *BadgerStore) LoadOperations(ctx context.Context, id string, after int) ([]*operations.Operation, error) {
	var ops []*operations.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = opPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(versionKey(opPrefix(id), after+1)); it.Valid(); it.Next() {
			var op operations.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return err
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("load operations", err)
	}
	return ops, nil
}

func (s *BadgerStore) TruncateOperations(ctx context.Context, id string, through int) error {
	if through < 0 {
		return nil
	}
	keys, err := s.collectKeys(opPrefix(id), through)
	if err != nil {
		return unavailable("truncate operations", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.deleteKeys(keys); err != nil {
		return unavailable("truncate operations", err)
	}
	return nil
}
