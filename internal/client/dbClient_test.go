package client

import (
	"commerce-reconciler/internal/config"
	"commerce-reconciler/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDatabase_Sqlite(t *testing.T) {
	db, err := InitDatabase(config.Database{Driver: "sqlite", URL: "file::memory:"})
	require.NoError(t, err)

	for _, m := range []interface{}{
		&model.Order{}, &model.OrderItem{}, &model.Payment{},
		&model.OrderCancel{}, &model.WebhookEvent{}, &model.OutboxEvent{},
	} {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestInitDatabase_UnknownDriver(t *testing.T) {
	_, err := InitDatabase(config.Database{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}
