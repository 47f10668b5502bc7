package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	p := NewPostgres(mock)
	n := 0
	p.newID = func() string {
		n++
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", n)
	}
	return p, mock
}

func TestPostgres_Migrate(t *testing.T) {
	p, mock := newTestPostgres(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS encounters \(`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, p.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCreation(t *testing.T) {
	p, mock := newTestPostgres(t)
	snap := history(t)[0]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO encounters \(`).
		WithArgs("enc-1", "Crypt", "setup", int64(0), epoch, epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO encounter_tokens \(`).
		WithArgs(
			"00000000-0000-0000-0000-000000000001", "enc-1", "host-digest", epoch,
			"00000000-0000-0000-0000-000000000002", "player-digest",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO encounter_snapshots \(`).
		WithArgs("00000000-0000-0000-0000-000000000003", "enc-1", int64(0), epoch, string(snap.Body)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := p.SaveCreation(context.Background(), Creation{Snapshot: snap, HostDigest: "host-digest", PlayerDigest: "player-digest"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCommitWithRoll(t *testing.T) {
	p, mock := newTestPostgres(t)
	snap := history(t)[2]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO encounter_rolls \(`).
		WithArgs(pgxmock.AnyArg(), "enc-1", epoch, pgxmock.AnyArg(), "Player", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO encounter_snapshots \(`).
		WithArgs(pgxmock.AnyArg(), "enc-1", int64(2), epoch, string(snap.Body)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE encounters`).
		WithArgs(int64(2), "running", epoch, "enc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, p.SaveCommit(context.Background(), NewCommit(snap)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCommitWithChat(t *testing.T) {
	p, mock := newTestPostgres(t)
	snap := history(t)[3]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO encounter_chat \(`).
		WithArgs(pgxmock.AnyArg(), "enc-1", epoch, "Player", pgxmock.AnyArg(), "nice").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO encounter_snapshots \(`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE encounters`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, p.SaveCommit(context.Background(), NewCommit(snap)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCommitRollsBackOnError(t *testing.T) {
	p, mock := newTestPostgres(t)
	snap := history(t)[1]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO encounter_snapshots \(`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.SaveCommit(context.Background(), NewCommit(snap))
	require.ErrorContains(t, err, "insert snapshot")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveExpiry(t *testing.T) {
	p, mock := newTestPostgres(t)
	at := epoch.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE encounter_tokens SET revoked_at`).
		WithArgs(at, "enc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE encounters SET expired_at`).
		WithArgs(at, "enc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, p.SaveExpiry(context.Background(), "enc-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}
