package approval

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const (
	badgerPrefix       = "approval/"
	badgerMaxConflicts = 8
)

// BadgerStore keeps approvals in an embedded Badger database so waiting
// requests can be restored after a restart.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

type BadgerOptions struct {
	Path      string
	InMemory  bool
	Retention time.Duration
}

// OpenBadger opens (or creates) the approval database.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("approval: badger path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "approval: open badger %s", opts.Path)
	}
	return &BadgerStore{db: db, retention: opts.Retention}, nil
}

func badgerKey(id string) []byte { return []byte(badgerPrefix + id) }

func (s *BadgerStore) Create(_ context.Context, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "approval: encode")
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerKey(p.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(badgerKey(p.ID), data)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Pending, error) {
	var p Pending
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = readPending(txn, id)
		return err
	})
	return p, err
}

func (s *BadgerStore) Resolve(_ context.Context, id string, r Resolution) (Pending, bool, error) {
	var (
		out     Pending
		applied bool
	)
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		p, err := readPending(txn, id)
		if err != nil {
			return err
		}
		if p.Status != StatusWaiting {
			out = p
			return nil
		}
		p = r.apply(p)
		data, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "approval: encode")
		}
		e := badger.NewEntry(badgerKey(id), data)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		out, applied = p, true
		return nil
	})
	if err != nil {
		return Pending{}, false, err
	}
	return out, applied, nil
}

func (s *BadgerStore) List(_ context.Context, status Status) ([]Pending, error) {
	var out []Pending
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Pending
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return errors.Wrap(err, "approval: decode")
			}
			if status == "" || p.Status == status {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// update retries fn when a concurrent transaction touched the same key.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxConflicts; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.Wrap(err, "approval: badger conflict retries exhausted")
}

func readPending(txn *badger.Txn, id string) (Pending, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, err
	}
	var p Pending
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	}); err != nil {
		return Pending{}, errors.Wrap(err, "approval: decode")
	}
	return p, nil
}
