// Package history keeps the records of past task and workflow runs in a bbolt database.
package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"

	"github.com/ngld/buildsys/pkg/runlog"
)

var (
	runsBucket  = []byte("runs")
	indexBucket = []byte("index")
	logsBucket  = []byte("logs")
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = eris.New("run not found")

// StepLog is the captured output of a single step.
type StepLog struct {
	Group  string
	Name   string
	Status runlog.Status
	Output []byte
}

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{runsBucket, indexBucket, logsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize history")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func logKey(id string, step int) []byte {
	return []byte(id + "/" + strconv.Itoa(step))
}

func compress(data []byte) ([]byte, error) {
	buffer := bytes.Buffer{}
	writer := brotli.NewWriterLevel(&buffer, brotli.DefaultCompression)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

// Save stores the record. Step output is kept separately and compressed.
func (s *Store) Save(record *runlog.Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "failed to encode record")
	}

	logs := make(map[int][]byte)
	for idx, step := range record.Steps {
		if len(step.Output) == 0 {
			continue
		}

		logs[idx], err = compress(step.Output)
		if err != nil {
			return eris.Wrapf(err, "failed to compress output of %s", step.Name)
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		if index.Get([]byte(record.ID)) != nil {
			return eris.Errorf("run %s has already been saved", record.ID)
		}

		runs := tx.Bucket(runsBucket)
		seq, err := runs.NextSequence()
		if err != nil {
			return err
		}

		key := seqKey(seq)
		if err := runs.Put(key, encoded); err != nil {
			return err
		}
		if err := index.Put([]byte(record.ID), key); err != nil {
			return err
		}

		bucket := tx.Bucket(logsBucket)
		for idx, data := range logs {
			if err := bucket.Put(logKey(record.ID, idx), data); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "failed to save run %s", record.ID)
}

// Get returns the record with the given ID without step output.
func (s *Store) Get(id string) (*runlog.Record, error) {
	record := new(runlog.Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(indexBucket).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}

		return json.Unmarshal(tx.Bucket(runsBucket).Get(key), record)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load run %s", id)
	}
	return record, nil
}

// List returns up to limit records, newest first. limit <= 0 returns everything.
func (s *Store) List(limit int) ([]runlog.Record, error) {
	result := []runlog.Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(runsBucket).Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			var record runlog.Record
			if err := json.Unmarshal(value, &record); err != nil {
				return eris.Wrapf(err, "failed to decode run %d", binary.BigEndian.Uint64(key))
			}
			result = append(result, record)
		}
		return nil
	})
	return result, err
}

// Logs returns the captured output of every step of the run that produced any.
func (s *Store) Logs(id string) ([]StepLog, error) {
	record, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	result := []StepLog{}
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for idx, step := range record.Steps {
			data := bucket.Get(logKey(id, idx))
			if data == nil {
				continue
			}

			output, err := decompress(data)
			if err != nil {
				return eris.Wrapf(err, "failed to decompress output of %s", step.Name)
			}
			result = append(result, StepLog{
				Group:  step.Group,
				Name:   step.Name,
				Status: step.Status,
				Output: output,
			})
		}
		return nil
	})
	return result, err
}

// Prune deletes everything but the newest keep runs and returns the number of deleted runs.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, eris.Errorf("invalid number of runs to keep: %d", keep)
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		index := tx.Bucket(indexBucket)
		logs := tx.Bucket(logsBucket)

		// Collect first; bbolt cursors must not be used across deletes.
		var stale [][]byte
		cursor := runs.Cursor()
		seen := 0
		for key, _ := cursor.Last(); key != nil; key, _ = cursor.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), key...))
			}
		}

		for _, key := range stale {
			var record runlog.Record
			if err := json.Unmarshal(runs.Get(key), &record); err != nil {
				return eris.Wrap(err, "failed to decode run")
			}

			for idx := range record.Steps {
				if err := logs.Delete(logKey(record.ID, idx)); err != nil {
					return err
				}
			}
			if err := index.Delete([]byte(record.ID)); err != nil {
				return err
			}
			if err := runs.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, eris.Wrap(err, "failed to prune history")
}
