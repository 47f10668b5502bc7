package archive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestOpenBolt_RequiresPath(t *testing.T) {
	_, err := OpenBolt("  ")
	require.Error(t, err)
}

func TestBolt_ArchivesHistory(t *testing.T) {
	b := openTestBolt(t)
	ctx := context.Background()
	snaps := history(t)

	require.NoError(t, b.SaveCreation(ctx, Creation{Snapshot: snaps[0], HostDigest: "host-digest", PlayerDigest: "player-digest"}))
	for _, snap := range snaps[1:] {
		require.NoError(t, b.SaveCommit(ctx, NewCommit(snap)))
	}
	expiredAt := epoch.Add(time.Hour)
	require.NoError(t, b.SaveExpiry(ctx, "enc-1", expiredAt))

	err := b.db.View(func(tx *bbolt.Tx) error {
		var rec boltEncounter
		require.NoError(t, json.Unmarshal(tx.Bucket([]byte(encountersBucket)).Get([]byte("enc-1")), &rec))
		assert.Equal(t, "Crypt", rec.Name)
		assert.Equal(t, "running", rec.Status)
		assert.Equal(t, uint64(3), rec.CurrentVersion)
		require.NotNil(t, rec.ExpiredAt)
		assert.True(t, rec.ExpiredAt.Equal(expiredAt))

		for _, digest := range []string{"host-digest", "player-digest"} {
			var tok boltToken
			require.NoError(t, json.Unmarshal(tx.Bucket([]byte(tokensBucket)).Get([]byte(digest)), &tok))
			assert.Equal(t, "enc-1", tok.EncounterID)
			require.NotNil(t, tok.RevokedAt)
		}

		var versions []string
		c := tx.Bucket([]byte(snapshotsBucket)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			versions = append(versions, string(k))
		}
		assert.Equal(t, []string{
			"enc-1/00000000000000000000",
			"enc-1/00000000000000000001",
			"enc-1/00000000000000000002",
			"enc-1/00000000000000000003",
		}, versions)
		assert.JSONEq(t, string(snaps[3].Body), string(tx.Bucket([]byte(snapshotsBucket)).Get(sequenceKey("enc-1", 3))))

		assert.NotNil(t, tx.Bucket([]byte(rollsBucket)).Get(sequenceKey("enc-1", 2)))
		assert.Nil(t, tx.Bucket([]byte(rollsBucket)).Get(sequenceKey("enc-1", 3)))
		assert.NotNil(t, tx.Bucket([]byte(chatBucket)).Get(sequenceKey("enc-1", 3)))
		return nil
	})
	require.NoError(t, err)
}

func TestBolt_CommitForUnknownEncounter(t *testing.T) {
	b := openTestBolt(t)
	err := b.SaveCommit(context.Background(), NewCommit(history(t)[1]))
	require.ErrorContains(t, err, "no encounter enc-1")
}

func TestBolt_CanceledContext(t *testing.T) {
	b := openTestBolt(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.SaveExpiry(ctx, "enc-1", epoch), context.Canceled)
}

func TestBolt_CloseIsSafeOnNil(t *testing.T) {
	var b *Bolt
	assert.NoError(t, b.Close())
}
