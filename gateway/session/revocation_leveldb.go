package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	revokedKeyPrefix = "revoked:"
	expiryKeyPrefix  = "expiry:"
)

// RevocationStore persists signed-out session ids in LevelDB until the
// session would have expired anyway.
type RevocationStore struct {
	db *leveldb.DB
}

// OpenRevocationStore opens (or creates) a LevelDB database at path.
func OpenRevocationStore(path string) (*RevocationStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("revocation store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve revocation store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open revocation store: %w", err)
	}
	return &RevocationStore{db: db}, nil
}

func (s *RevocationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Revoke marks id as signed out until the given time. Revoking twice keeps
// the later deadline.
func (s *RevocationStore) Revoke(ctx context.Context, id string, until time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("revocation store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	nanos := until.UTC().UnixNano()
	key := []byte(revokedKeyPrefix + id)
	batch := new(leveldb.Batch)
	existing, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load revocation: %w", err)
	default:
		previous := int64(binary.BigEndian.Uint64(existing))
		if previous >= nanos {
			return nil
		}
		batch.Delete([]byte(expiryKey(previous, id)))
	}
	batch.Put(key, encodeUnixNano(nanos))
	batch.Put([]byte(expiryKey(nanos, id)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether id has been revoked and not yet pruned.
func (s *RevocationStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("revocation store not configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(revokedKeyPrefix+strings.TrimSpace(id)), nil)
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return ok, nil
}

// Prune deletes revocations whose deadline is before cutoff and returns how
// many were removed.
func (s *RevocationStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("revocation store not configured")
	}
	cutoffKey := []byte(expiryKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		id, _, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(revokedKeyPrefix + id))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate revocations: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune revocations: %w", err)
		}
	}
	return removed, nil
}

// RunPruner prunes expired revocations every interval until ctx is done.
func (s *RevocationStore) RunPruner(ctx context.Context, interval time.Duration, onErr func(error)) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Prune(ctx, now); err != nil && onErr != nil && ctx.Err() == nil {
				onErr(err)
			}
		}
	}
}

func expiryKey(nanos int64, id string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, nanos, id)
}

func parseExpiryKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
