package database

import (
	"testing"

	"brokerledger/src/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemoryMigratesSchema(t *testing.T) {
	db, err := OpenInMemory("database_open_in_memory")
	require.NoError(t, err)

	for _, m := range Models() {
		require.True(t, db.Migrator().HasTable(m))
	}

	p := model.Portfolio{Name: "main", CashBalance: decimal.NewFromInt(100)}
	require.NoError(t, db.Create(&p).Error)
	require.NotZero(t, p.ID)

	// data migrations are recorded and not re-applied
	require.NoError(t, Migrate(db))
	var count int64
	require.NoError(t, db.Table("data_migrations").Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever", 1)
	require.Error(t, err)
}
