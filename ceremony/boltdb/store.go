// Package boltdb implements the ceremony.Store interface on the bbolt kv
// storage engine. Records are stored JSON-encoded; conditional updates are
// checked inside a single write transaction, which is what gives the
// compare-and-swap discipline its atomicity on a single node.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"path"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/log"
)

// BoltStore implements ceremony.Store using boltdb (native golang
// implementation).
type BoltStore struct {
	db  *bolt.DB
	log log.Logger
}

var ceremonyBucket = []byte("ceremonies")
var circuitBucket = []byte("circuits")
var contributionBucket = []byte("contributions")
var timeoutBucket = []byte("timeouts")
var participantBucket = []byte("participants")

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "coordinator.db"

// BoltStoreOpenPerm is the permission we will use to read the bolt store
// file from disk
const BoltStoreOpenPerm = 0660

// NewBoltStore returns a Store implementation using the boltdb storage
// engine.
func NewBoltStore(l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			ceremonyBucket,
			circuitBucket,
			contributionBucket,
			timeoutBucket,
			participantBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltStore{
		db:  db,
		log: l,
	}, nil
}

var _ ceremony.Store = (*BoltStore)(nil)

func seqToBytes(seq int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func participantKey(circuitID, participantID string) []byte {
	return []byte(circuitID + "/" + participantID)
}

func (b *BoltStore) SaveCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ceremonyBucket)
		if bucket.Get([]byte(c.ID)) != nil {
			return ceremony.ErrDuplicateID
		}
		buff, err := json.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "encoding ceremony")
		}
		return bucket.Put([]byte(c.ID), buff)
	})
}

func (b *BoltStore) Ceremony(ctx context.Context, id string) (*ceremony.Ceremony, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c := &ceremony.Ceremony{}
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ceremonyBucket).Get([]byte(id))
		if v == nil {
			return ceremony.ErrCeremonyNotFound
		}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BoltStore) Ceremonies(ctx context.Context) ([]*ceremony.Ceremony, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*ceremony.Ceremony
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ceremonyBucket).ForEach(func(_, v []byte) error {
			c := &ceremony.Ceremony{}
			if err := json.Unmarshal(v, c); err != nil {
				return errors.Wrap(err, "decoding ceremony")
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) UpdateCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ceremonyBucket)
		v := bucket.Get([]byte(c.ID))
		if v == nil {
			return ceremony.ErrCeremonyNotFound
		}
		stored := &ceremony.Ceremony{}
		if err := json.Unmarshal(v, stored); err != nil {
			return errors.Wrap(err, "decoding ceremony")
		}
		if stored.Version != c.Version {
			return ceremony.ErrVersionConflict
		}

		next := *c
		next.Version++
		buff, err := json.Marshal(&next)
		if err != nil {
			return errors.Wrap(err, "encoding ceremony")
		}
		return bucket.Put([]byte(c.ID), buff)
	})
}

func (b *BoltStore) SaveCircuit(ctx context.Context, c *ceremony.Circuit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(circuitBucket)
		if bucket.Get([]byte(c.ID)) != nil {
			return ceremony.ErrDuplicateID
		}
		buff, err := json.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "encoding circuit")
		}
		return bucket.Put([]byte(c.ID), buff)
	})
}

func (b *BoltStore) Circuit(ctx context.Context, id string) (*ceremony.Circuit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c := &ceremony.Circuit{}
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(circuitBucket).Get([]byte(id))
		if v == nil {
			return ceremony.ErrCircuitNotFound
		}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BoltStore) CircuitsByCeremony(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*ceremony.Circuit
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(circuitBucket).ForEach(func(_, v []byte) error {
			c := &ceremony.Circuit{}
			if err := json.Unmarshal(v, c); err != nil {
				return errors.Wrap(err, "decoding circuit")
			}
			if c.CeremonyID == ceremonyID {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// insertion order is by circuit id; the registry assigns sequence
	// positions, order by them
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].SequencePosition > out[j].SequencePosition; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (b *BoltStore) UpdateCircuit(ctx context.Context, c *ceremony.Circuit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(circuitBucket)
		v := bucket.Get([]byte(c.ID))
		if v == nil {
			return ceremony.ErrCircuitNotFound
		}
		stored := &ceremony.Circuit{}
		if err := json.Unmarshal(v, stored); err != nil {
			return errors.Wrap(err, "decoding circuit")
		}
		if stored.Version != c.Version {
			return ceremony.ErrVersionConflict
		}

		next := *c
		next.Version++
		buff, err := json.Marshal(&next)
		if err != nil {
			return errors.Wrap(err, "encoding circuit")
		}
		return bucket.Put([]byte(c.ID), buff)
	})
}

func (b *BoltStore) AppendContribution(ctx context.Context, contribution *ceremony.Contribution) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(contributionBucket)
		bucket, err := parent.CreateBucketIfNotExists([]byte(contribution.CircuitID))
		if err != nil {
			return err
		}
		if contribution.SequenceNumber != bucket.Stats().KeyN+1 {
			return ceremony.ErrSequenceConflict
		}

		buff, err := json.Marshal(contribution)
		if err != nil {
			return errors.Wrap(err, "encoding contribution")
		}
		return bucket.Put(seqToBytes(contribution.SequenceNumber), buff)
	})
}

func (b *BoltStore) Contributions(ctx context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*ceremony.Contribution
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contributionBucket).Bucket([]byte(circuitID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			c := &ceremony.Contribution{}
			if err := json.Unmarshal(v, c); err != nil {
				return errors.Wrap(err, "decoding contribution")
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) LastContribution(ctx context.Context, circuitID string) (*ceremony.Contribution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c := &ceremony.Contribution{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contributionBucket).Bucket([]byte(circuitID))
		if bucket == nil {
			return ceremony.ErrNoContribution
		}
		_, v := bucket.Cursor().Last()
		if v == nil {
			return ceremony.ErrNoContribution
		}
		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BoltStore) SaveTimeoutEvent(ctx context.Context, event *ceremony.TimeoutEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(timeoutBucket)
		bucket, err := parent.CreateBucketIfNotExists(participantKey(event.CircuitID, event.ParticipantID))
		if err != nil {
			return err
		}
		buff, err := json.Marshal(event)
		if err != nil {
			return errors.Wrap(err, "encoding timeout event")
		}
		// keyed by timestamp so the cursor's last entry is the most
		// recent penalty
		return bucket.Put([]byte(event.Timestamp.UTC().Format("20060102150405.000000000")), buff)
	})
}

func (b *BoltStore) LastTimeoutEvent(ctx context.Context, circuitID, participantID string) (*ceremony.TimeoutEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	event := &ceremony.TimeoutEvent{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(timeoutBucket).Bucket(participantKey(circuitID, participantID))
		if bucket == nil {
			return ceremony.ErrNoTimeoutEvent
		}
		_, v := bucket.Cursor().Last()
		if v == nil {
			return ceremony.ErrNoTimeoutEvent
		}
		return json.Unmarshal(v, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (b *BoltStore) ParticipantState(ctx context.Context, circuitID, participantID string) (*ceremony.ParticipantState, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	state := &ceremony.ParticipantState{}
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(participantBucket).Get(participantKey(circuitID, participantID))
		if v == nil {
			state.ParticipantID = participantID
			state.CircuitID = circuitID
			state.Status = ceremony.Waiting
			return nil
		}
		return json.Unmarshal(v, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (b *BoltStore) SaveParticipantState(ctx context.Context, state *ceremony.ParticipantState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		buff, err := json.Marshal(state)
		if err != nil {
			return errors.Wrap(err, "encoding participant state")
		}
		return tx.Bucket(participantBucket).Put(participantKey(state.CircuitID, state.ParticipantID), buff)
	})
}

func (b *BoltStore) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}
