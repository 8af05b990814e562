// Package bolt provides a bbolt-based docstore.Store implementation.
//
// Each kind is a bucket keyed by document ID. Values are msgpack-encoded
// records; bodies above compressThreshold are zstd-compressed. List scans
// the kind's bucket, so it suits configuration-sized kinds better than
// high-volume entry kinds.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	bbolt "go.etcd.io/bbolt"

	"rapidlog/internal/docstore"
)

// compressThreshold is the body size above which bodies are compressed.
const compressThreshold = 4 << 10

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// record is the stored form of a document. Kind and ID are the bucket and key.
type record struct {
	Name       string   `msgpack:"n"`
	Version    int64    `msgpack:"v"`
	Timestamp  int64    `msgpack:"t"`
	Keywords   []string `msgpack:"k"`
	Body       []byte   `msgpack:"b"`
	Compressed bool     `msgpack:"z"`
}

func encode(d *docstore.Document, version int64) ([]byte, error) {
	r := record{
		Name:      d.Name,
		Version:   version,
		Timestamp: d.Timestamp.UnixNano(),
		Keywords:  d.Keywords,
		Body:      d.Body,
	}
	if len(d.Body) > compressThreshold {
		r.Body = zstdEnc.EncodeAll(d.Body, nil)
		r.Compressed = true
	}
	return msgpack.Marshal(&r)
}

func decode(kind string, id, data []byte) (*docstore.Document, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	body := r.Body
	if r.Compressed {
		var err error
		if body, err = zstdDec.DecodeAll(r.Body, nil); err != nil {
			return nil, fmt.Errorf("decompress %s/%s: %w", kind, id, err)
		}
	}
	return &docstore.Document{
		ID:        string(id),
		Kind:      kind,
		Name:      r.Name,
		Version:   r.Version,
		Timestamp: time.Unix(0, r.Timestamp).UTC(),
		Keywords:  r.Keywords,
		Body:      body,
	}, nil
}

// Store is a bbolt-based docstore.Store implementation.
type Store struct {
	db *bbolt.DB
}

var _ docstore.Store = (*Store)(nil)

// NewStore opens (or creates) the bolt file at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt (file may be locked by another process): %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(_ context.Context, d *docstore.Document) error {
	if err := docstore.PrepareSave(d); err != nil {
		return err
	}
	next := d.Version + 1
	data, err := encode(d, next)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", d.Kind, d.ID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(d.Kind))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", d.Kind, err)
		}
		cur := b.Get([]byte(d.ID))
		switch {
		case d.Version == 0 && cur != nil:
			return fmt.Errorf("%w: %s/%s already exists", docstore.ErrConflict, d.Kind, d.ID)
		case d.Version > 0 && cur == nil:
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
		case d.Version > 0:
			stored, err := decode(d.Kind, []byte(d.ID), cur)
			if err != nil {
				return err
			}
			if stored.Version != d.Version {
				return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, stored.Version, d.Version)
			}
		}
		return b.Put([]byte(d.ID), data)
	})
	if err != nil {
		return err
	}
	d.Version = next
	return nil
}

func (s *Store) Remove(_ context.Context, d *docstore.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(d.Kind))
		var cur []byte
		if b != nil {
			cur = b.Get([]byte(d.ID))
		}
		if cur == nil {
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
		}
		stored, err := decode(d.Kind, []byte(d.ID), cur)
		if err != nil {
			return err
		}
		if stored.Version != d.Version {
			return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, stored.Version, d.Version)
		}
		return b.Delete([]byte(d.ID))
	})
}

func (s *Store) Get(ctx context.Context, kind, id string) (*docstore.Document, error) {
	d, err := s.TryGet(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, kind, id)
	}
	return d, nil
}

func (s *Store) TryGet(_ context.Context, kind, id string) (*docstore.Document, error) {
	var d *docstore.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var err error
		d, err = decode(kind, []byte(id), v)
		return err
	})
	return d, err
}

func (s *Store) List(ctx context.Context, c docstore.Criteria) (*docstore.Page, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var matched []*docstore.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.Kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := decode(c.Kind, k, v)
			if err != nil {
				return err
			}
			if c.Match(d) {
				matched = append(matched, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return docstore.Paginate(matched, c), nil
}
