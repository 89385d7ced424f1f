package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM api_transactions WHERE name = 'domestic_order_buy'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one real and one simulated row")
}

func TestRoutingTableSeed(t *testing.T) {
	db := newTestDB(t)

	var trID, path string
	err := db.QueryRow(`
		SELECT tr_id, path FROM api_transactions
		WHERE name = 'domestic_order_buy' AND is_simulated = 1`).Scan(&trID, &path)
	require.NoError(t, err)
	assert.Equal(t, "VTTC0802U", trID)
	assert.Equal(t, "/uapi/domestic-stock/v1/trading/order-cash", path)

	err = db.QueryRow(`
		SELECT tr_id FROM api_transactions
		WHERE name = 'domestic_order_buy' AND is_simulated = 0`).Scan(&trID)
	require.NoError(t, err)
	assert.Equal(t, "TTTC0802U", trID)
}

func TestCorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trader.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file, not even close"), 0644))

	db, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.True(t, db.Recovered())
	require.NoError(t, db.Migrate())

	// The replacement database works.
	_, err = db.Exec(`INSERT INTO settings (key, value) VALUES ('k', 'v')`)
	require.NoError(t, err)

	// The original bytes were preserved under a .corrupt name.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".corrupt" {
			found = true
		}
	}
	assert.True(t, found, "expected a quarantined .corrupt file in %s", dir)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)

	boom := assert.AnError
	err := db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES ('tx_key', '1')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = 'tx_key'`).Scan(&count))
	assert.Zero(t, count, "rolled-back insert must not be visible")

	err = db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO settings (key, value) VALUES ('tx_key', '2')`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM settings WHERE key = 'tx_key'`).Scan(&count))
	assert.Equal(t, 1, count)
}
