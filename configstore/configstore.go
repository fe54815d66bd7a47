// Package configstore implements the durable node-local key-value store used
// for operator overrides and sticky prefixes. Contents survive restart; every
// write is acknowledged only after it reaches disk.
package configstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/arbornet/arbor/state"
)

// ErrNotFound is returned for keys that were never set or have been erased.
var ErrNotFound = errors.New("config key not found")

const (
	opSet   = "set"
	opErase = "erase"

	// maxRecordSize bounds a single log record; anything larger is treated
	// as a torn write during load.
	maxRecordSize = 1 << 20

	// compactDeadRatio triggers a log rewrite once this fraction of records
	// is superseded.
	compactDeadRatio = 0.5
	compactMinOps    = 64
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type record struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Store owns the on-disk log and its in-memory cache. All mutation happens on
// the store loop.
type Store struct {
	loop  *state.Loop
	env   *state.Env
	path  string
	file  *os.File
	cache map[string][]byte

	liveOps  int
	totalOps int
}

func New(env *state.Env) (*Store, error) {
	s := &Store{
		loop:  state.NewLoop(env, "config-store"),
		env:   env,
		path:  env.Cfg.ConfigStore.FilePath,
		cache: make(map[string][]byte),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("config store load: %w", err)
	}
	go s.loop.Run()
	s.loop.RepeatTask(s.maybeCompact, env.Cfg.ConfigStore.FlushInterval())
	return s, nil
}

// load replays the record log. A torn tail (short frame or checksum mismatch)
// is truncated away rather than failing startup.
func (s *Store) load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	s.file = f

	var goodOffset int64
	for {
		var hdr [8]byte
		_, err := io.ReadFull(f, hdr[:])
		if err != nil {
			break
		}
		length := binary.BigEndian.Uint32(hdr[0:4])
		sum := binary.BigEndian.Uint32(hdr[4:8])
		if length == 0 || length > maxRecordSize {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		if crc32.Checksum(payload, crcTable) != sum {
			break
		}
		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			break
		}
		s.apply(rec)
		s.totalOps++
		goodOffset += int64(8 + length)
	}
	if err := f.Truncate(goodOffset); err != nil {
		return err
	}
	if _, err := f.Seek(goodOffset, io.SeekStart); err != nil {
		return err
	}
	s.liveOps = len(s.cache)
	return nil
}

func (s *Store) apply(rec record) {
	switch rec.Op {
	case opSet:
		s.cache[rec.Key] = rec.Value
	case opErase:
		delete(s.cache, rec.Key)
	}
}

func (s *Store) append(rec record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, crcTable))
	if _, err := s.file.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.file.Write(payload); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.totalOps++
	return nil
}

// SetConfigKey persists key → value. The call returns only after the record
// is on disk.
func (s *Store) SetConfigKey(key string, value []byte) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		if err := s.append(record{Op: opSet, Key: key, Value: value}); err != nil {
			return struct{}{}, err
		}
		s.cache[key] = value
		s.liveOps = len(s.cache)
		return struct{}{}, nil
	})
	return err
}

// GetConfigKey returns the stored bytes or ErrNotFound.
func (s *Store) GetConfigKey(key string) ([]byte, error) {
	return state.DispatchWait(s.loop, func() ([]byte, error) {
		v, ok := s.cache[key]
		if !ok {
			return nil, ErrNotFound
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	})
}

// EraseConfigKey removes a key. Erasing an absent key returns ErrNotFound.
func (s *Store) EraseConfigKey(key string) error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		if _, ok := s.cache[key]; !ok {
			return struct{}{}, ErrNotFound
		}
		if err := s.append(record{Op: opErase, Key: key}); err != nil {
			return struct{}{}, err
		}
		delete(s.cache, key)
		s.liveOps = len(s.cache)
		return struct{}{}, nil
	})
	return err
}

// Snapshot copies the full cache.
func (s *Store) Snapshot() (map[string][]byte, error) {
	return state.DispatchWait(s.loop, func() (map[string][]byte, error) {
		out := make(map[string][]byte, len(s.cache))
		for k, v := range s.cache {
			c := make([]byte, len(v))
			copy(c, v)
			out[k] = c
		}
		return out, nil
	})
}

// maybeCompact rewrites the log when enough of it is dead weight.
func (s *Store) maybeCompact() error {
	if s.totalOps < compactMinOps {
		return nil
	}
	dead := s.totalOps - s.liveOps
	if float64(dead) < compactDeadRatio*float64(s.totalOps) {
		return nil
	}
	return s.compact()
}

func (s *Store) compact() error {
	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	old := s.file
	s.file = tmp
	s.totalOps = 0
	for k, v := range s.cache {
		if err := s.append(record{Op: opSet, Key: k, Value: v}); err != nil {
			s.file = old
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.file = old
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	old.Close()
	s.liveOps = len(s.cache)
	s.env.Log.Debug("config store compacted", "records", s.totalOps)
	return nil
}

func (s *Store) Close() error {
	_, err := state.DispatchWait(s.loop, func() (struct{}, error) {
		return struct{}{}, s.file.Sync()
	})
	s.file.Close()
	return err
}
