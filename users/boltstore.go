package users

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var usersBucket = []byte("users")

type BoltOptions struct {
	Path string

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int

	// Timeout bounds the wait for the bolt file lock.
	Timeout time.Duration

	Logger *slog.Logger
}

// BoltStore keeps accounts in a bbolt file, one msgpack record per user
// keyed by name.
type BoltStore struct {
	bdb    *bbolt.DB
	cost   int
	logger *slog.Logger
}

var _ Oracle = (*BoltStore)(nil)

func OpenBolt(o BoltOptions) (*BoltStore, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout == 0 {
		o.Timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
		return nil, err
	}
	bdb, err := bbolt.Open(o.Path, 0o600, &bbolt.Options{Timeout: o.Timeout})
	if err != nil {
		return nil, fmt.Errorf("users: %s: %w", o.Path, err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("users: %s: %w", o.Path, err)
	}
	return &BoltStore{bdb: bdb, cost: o.BcryptCost, logger: o.Logger}, nil
}

func (s *BoltStore) Close() error {
	return s.bdb.Close()
}

func (s *BoltStore) Login(name, password string) (User, error) {
	var rec record
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		data := btx.Bucket(usersBucket).Get(unsafeBytesFromString(name))
		if data == nil {
			return ErrUserNotFound
		}
		return msgpack.Unmarshal(data, &rec)
	})
	if err != nil {
		return User{}, err
	}
	return rec.login(password)
}

func (s *BoltStore) Register(name, password string, level Level) error {
	rec, err := newRecord(name, password, level, s.cost)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(usersBucket)
		if b.Get([]byte(name)) != nil {
			return ErrUserExists
		}
		return b.Put([]byte(name), data)
	})
	if err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "users: registered", slog.String("user", name), slog.String("uid", rec.UID), slog.String("level", level.String()))
	return nil
}

func (s *BoltStore) Delete(name string) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(usersBucket)
		if b.Get([]byte(name)) == nil {
			return ErrUserNotFound
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "users: deleted", slog.String("user", name))
	return nil
}

// List returns all accounts ordered by name.
func (s *BoltStore) List() ([]User, error) {
	var result []User
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("users: %q: %w", k, err)
			}
			result = append(result, rec.user())
			return nil
		})
	})
	return result, err
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
