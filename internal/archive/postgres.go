package archive

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// pgExecutor is satisfied by *pgxpool.Pool and by pgxmock pools.
type pgExecutor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres archives into the encounters, encounter_tokens,
// encounter_snapshots, encounter_rolls and encounter_chat tables.
type Postgres struct {
	exec  pgExecutor
	pool  *pgxpool.Pool
	newID func() string
}

// NewPostgres wraps exec. Close releases exec when it is a *pgxpool.Pool.
func NewPostgres(exec pgExecutor) *Postgres {
	p := &Postgres{exec: exec, newID: uuid.NewString}
	if pool, ok := exec.(*pgxpool.Pool); ok {
		p.pool = pool
	}
	return p
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(pool), nil
}

// Migrate creates the archive tables when they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.exec.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	return nil
}

const (
	insertEncounter = `INSERT INTO encounters (id, name, status, current_version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	insertTokens = `INSERT INTO encounter_tokens (id, encounter_id, role, token_hash, created_at, revoked_at)
VALUES ($1, $2, 'HOST', $3, $4, NULL), ($5, $2, 'PLAYER', $6, $4, NULL)`
	insertSnapshot = `INSERT INTO encounter_snapshots (id, encounter_id, version, created_at, state_json)
VALUES ($1, $2, $3, $4, $5::jsonb)`
	insertRoll = `INSERT INTO encounter_rolls (id, encounter_id, created_at, actor_id, who_label, roll_json)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)`
	insertChat = `INSERT INTO encounter_chat (id, encounter_id, created_at, who_label, actor_id, text)
VALUES ($1, $2, $3, $4, $5, $6)`
	updateEncounter = `UPDATE encounters
SET current_version = $1, status = $2, updated_at = $3
WHERE id = $4`
	revokeTokens = `UPDATE encounter_tokens SET revoked_at = $1 WHERE encounter_id = $2 AND revoked_at IS NULL`
	expireEncounter = `UPDATE encounters SET expired_at = $1 WHERE id = $2`
)

// SaveCreation writes the encounter row, both token digests and the
// initial snapshot in one transaction.
func (p *Postgres) SaveCreation(ctx context.Context, c Creation) error {
	st := c.Snapshot.State
	at := st.Meta.CreatedAt
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertEncounter, st.ID, st.Meta.Name, string(st.Status), int64(st.Sequence), at, at); err != nil {
			return fmt.Errorf("insert encounter: %w", err)
		}
		if _, err := tx.Exec(ctx, insertTokens, p.newID(), st.ID, c.HostDigest, at, p.newID(), c.PlayerDigest); err != nil {
			return fmt.Errorf("insert tokens: %w", err)
		}
		if _, err := tx.Exec(ctx, insertSnapshot, p.newID(), st.ID, int64(st.Sequence), at, string(c.Snapshot.Body)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
}

// SaveCommit writes the roll or chat row the commit appended, its snapshot,
// and moves the encounter's current version.
func (p *Postgres) SaveCommit(ctx context.Context, c Commit) error {
	st := c.Snapshot.State
	at := st.Meta.UpdatedAt
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if c.Roll != nil {
			raw, err := json.Marshal(c.Roll)
			if err != nil {
				return fmt.Errorf("encode roll: %w", err)
			}
			if _, err := tx.Exec(ctx, insertRoll, p.newID(), st.ID, at, nullable(c.Roll.ActorID), c.Roll.WhoLabel, string(raw)); err != nil {
				return fmt.Errorf("insert roll: %w", err)
			}
		}
		if c.Chat != nil {
			if _, err := tx.Exec(ctx, insertChat, p.newID(), st.ID, at, c.Chat.WhoLabel, nullable(c.Chat.ActorID), c.Chat.Text); err != nil {
				return fmt.Errorf("insert chat: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, insertSnapshot, p.newID(), st.ID, int64(st.Sequence), at, string(c.Snapshot.Body)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx, updateEncounter, int64(st.Sequence), string(st.Status), at, st.ID); err != nil {
			return fmt.Errorf("update encounter: %w", err)
		}
		return nil
	})
}

// SaveExpiry marks the encounter expired and its tokens revoked.
func (p *Postgres) SaveExpiry(ctx context.Context, encounterID string, at time.Time) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, revokeTokens, at, encounterID); err != nil {
			return fmt.Errorf("revoke tokens: %w", err)
		}
		if _, err := tx.Exec(ctx, expireEncounter, at, encounterID); err != nil {
			return fmt.Errorf("expire encounter: %w", err)
		}
		return nil
	})
}

// Close releases the pool opened by OpenPostgres.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.exec.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Backend = (*Postgres)(nil)
