// Package overflow parks values that could not be written into the
// relational schema, so they can be replayed once the target column exists.
//
// Each parked record is one JSON object stored at
// overflow/<table>/<column>/<id>.json in the configured bucket.
package overflow

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/filestore"
	"github.com/koustreak/schemagate/internal/logger"
)

// Prefix is the key prefix of every parked record.
const Prefix = "overflow"

// Record is one parked value set.
type Record struct {
	ID          string    `json:"id"`
	Table       string    `json:"table"`
	Column      string    `json:"column"`
	Type        string    `json:"type,omitempty"`
	SourceField string    `json:"source_field,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	Reason      string    `json:"reason"`
	Values      []string  `json:"values"`
	ParkedAt    time.Time `json:"parked_at"`

	// Key is the object key; it is not part of the stored JSON.
	Key string `json:"-"`
}

// Sink writes and lists parked records.
type Sink struct {
	store  filestore.Store
	bucket string
	now    func() time.Time
	newID  func() string
	log    *logger.Logger
}

// New creates a Sink storing into bucket.
func New(store filestore.Store, bucket string, log *logger.Logger) *Sink {
	return &Sink{
		store:  store,
		bucket: bucket,
		now:    time.Now,
		newID:  uuid.NewString,
		log:    logger.OrNop(log).Component("overflow"),
	}
}

// Key returns the object key of a record.
func Key(table, column, id string) string {
	return path.Join(Prefix, table, column, id+".json")
}

// Park stores rec and returns its key. ID and ParkedAt are assigned when
// empty.
func (s *Sink) Park(ctx context.Context, rec Record) (string, error) {
	if rec.Table == "" || rec.Column == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "overflow: table and column are required")
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.ParkedAt.IsZero() {
		rec.ParkedAt = s.now().UTC()
	}
	if rec.Values == nil {
		rec.Values = []string{}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindInvalidInput, "overflow: encode record", err)
	}
	key := Key(rec.Table, rec.Column, rec.ID)
	if _, err := s.store.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}

	s.log.InfoWith("values parked", map[string]interface{}{
		"key":    key,
		"reason": rec.Reason,
		"values": len(rec.Values),
	})
	return key, nil
}

// Pending returns the parked records for table and column, oldest key first.
// An empty column lists the whole table; an empty table lists everything.
func (s *Sink) Pending(ctx context.Context, table, column string) ([]Record, error) {
	prefix := Prefix + "/"
	if table != "" {
		prefix += table + "/"
		if column != "" {
			prefix += column + "/"
		}
	}

	objs, err := s.store.ListObjects(ctx, s.bucket, filestore.ListOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(objs))
	for _, info := range objs {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		rec, err := s.read(ctx, info.Key)
		if err != nil {
			if errs.IsNotFound(err) {
				continue // resolved concurrently
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Resolve deletes a parked record after it has been replayed.
func (s *Sink) Resolve(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, Prefix+"/") {
		return errs.Newf(errs.ErrKindInvalidInput, "overflow: %q is not an overflow key", key)
	}
	return s.store.DeleteObject(ctx, s.bucket, key)
}

func (s *Sink) read(ctx context.Context, key string) (*Record, error) {
	obj, err := s.store.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var rec Record
	if err := json.NewDecoder(obj).Decode(&rec); err != nil {
		return nil, errs.Wrap(errs.ErrKindMalformedResponse, "overflow: decode "+key, err)
	}
	rec.Key = key
	return &rec, nil
}
