package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	encountersBucket = "encounters"
	tokensBucket     = "encounter_tokens"
	snapshotsBucket  = "encounter_snapshots"
	rollsBucket      = "encounter_rolls"
	chatBucket       = "encounter_chat"
)

var boltBuckets = []string{encountersBucket, tokensBucket, snapshotsBucket, rollsBucket, chatBucket}

type boltEncounter struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CurrentVersion uint64     `json:"currentVersion"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ExpiredAt      *time.Time `json:"expiredAt,omitempty"`
}

type boltToken struct {
	EncounterID string     `json:"encounterId"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"createdAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// Bolt archives into a single bbolt file, one bucket per record kind.
// Per-encounter records are keyed <encounterID>/<zero-padded sequence> so a
// cursor walks them in commit order.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the archive file at path.
func OpenBolt(path string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	b := &Bolt{db: db}
	if err := b.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bolt) ensureBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// SaveCreation stores the encounter record, both token digests and the
// initial snapshot.
func (b *Bolt) SaveCreation(ctx context.Context, c Creation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := c.Snapshot.State
	rec, err := json.Marshal(boltEncounter{
		ID:             st.ID,
		Name:           st.Meta.Name,
		Status:         string(st.Status),
		CurrentVersion: st.Sequence,
		CreatedAt:      st.Meta.CreatedAt,
		UpdatedAt:      st.Meta.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal encounter: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(encountersBucket)).Put([]byte(st.ID), rec); err != nil {
			return err
		}
		tokens := tx.Bucket([]byte(tokensBucket))
		for role, digest := range map[string]string{"HOST": c.HostDigest, "PLAYER": c.PlayerDigest} {
			payload, err := json.Marshal(boltToken{EncounterID: st.ID, Role: role, CreatedAt: st.Meta.CreatedAt})
			if err != nil {
				return fmt.Errorf("marshal token: %w", err)
			}
			if err := tokens.Put([]byte(digest), payload); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(snapshotsBucket)).Put(sequenceKey(st.ID, st.Sequence), c.Snapshot.Body)
	})
}

// SaveCommit stores the snapshot and any roll or chat entry the commit
// appended, and advances the encounter record.
func (b *Bolt) SaveCommit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := c.Snapshot.State
	key := sequenceKey(st.ID, st.Sequence)

	return b.db.Update(func(tx *bbolt.Tx) error {
		if c.Roll != nil {
			payload, err := json.Marshal(c.Roll)
			if err != nil {
				return fmt.Errorf("marshal roll: %w", err)
			}
			if err := tx.Bucket([]byte(rollsBucket)).Put(key, payload); err != nil {
				return err
			}
		}
		if c.Chat != nil {
			payload, err := json.Marshal(c.Chat)
			if err != nil {
				return fmt.Errorf("marshal chat: %w", err)
			}
			if err := tx.Bucket([]byte(chatBucket)).Put(key, payload); err != nil {
				return err
			}
		}
		if err := tx.Bucket([]byte(snapshotsBucket)).Put(key, c.Snapshot.Body); err != nil {
			return err
		}
		return updateBoltEncounter(tx, st.ID, func(rec *boltEncounter) {
			rec.CurrentVersion = st.Sequence
			rec.Status = string(st.Status)
			rec.UpdatedAt = st.Meta.UpdatedAt
		})
	})
}

// SaveExpiry marks the encounter expired and its tokens revoked.
func (b *Bolt) SaveExpiry(ctx context.Context, encounterID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		tokens := tx.Bucket([]byte(tokensBucket))
		revoked := make(map[string][]byte)
		err := tokens.ForEach(func(digest, payload []byte) error {
			var tok boltToken
			if err := json.Unmarshal(payload, &tok); err != nil {
				return fmt.Errorf("unmarshal token: %w", err)
			}
			if tok.EncounterID != encounterID || tok.RevokedAt != nil {
				return nil
			}
			tok.RevokedAt = &at
			updated, err := json.Marshal(tok)
			if err != nil {
				return fmt.Errorf("marshal token: %w", err)
			}
			revoked[string(digest)] = updated
			return nil
		})
		if err != nil {
			return err
		}
		// bbolt forbids writes while ForEach walks the bucket.
		for digest, payload := range revoked {
			if err := tokens.Put([]byte(digest), payload); err != nil {
				return err
			}
		}
		return updateBoltEncounter(tx, encounterID, func(rec *boltEncounter) {
			rec.ExpiredAt = &at
		})
	})
}

// Close closes the bbolt file.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func updateBoltEncounter(tx *bbolt.Tx, id string, fn func(*boltEncounter)) error {
	bucket := tx.Bucket([]byte(encountersBucket))
	payload := bucket.Get([]byte(id))
	if payload == nil {
		return fmt.Errorf("archive has no encounter %s", id)
	}
	var rec boltEncounter
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("unmarshal encounter: %w", err)
	}
	fn(&rec)
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal encounter: %w", err)
	}
	return bucket.Put([]byte(id), updated)
}

func sequenceKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", id, seq))
}

var _ Backend = (*Bolt)(nil)
