package repository

import (
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cron-keeper/db"
	"cron-keeper/errs"
	"cron-keeper/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return NewRepository(ldb)
}

func TestNetworksKeepRotationOrder(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.PutNetwork(&models.Network{Name: "zeta", Window: 1, Seq: 1}))
	require.NoError(t, repo.PutNetwork(&models.Network{Name: "alpha", Window: 2, Seq: 2}))
	require.NoError(t, repo.PutNetwork(&models.Network{Name: "mid", Window: 3, Seq: 3}))

	networks, err := repo.GetAllNetworks()
	require.NoError(t, err)
	require.Len(t, networks, 3)
	assert.Equal(t, "zeta", networks[0].Name)
	assert.Equal(t, "alpha", networks[1].Name)
	assert.Equal(t, "mid", networks[2].Name)

	require.NoError(t, repo.DeleteNetwork("alpha"))
	networks, err = repo.GetAllNetworks()
	require.NoError(t, err)
	assert.Len(t, networks, 2)

	assert.ErrorIs(t, repo.DeleteNetwork("alpha"), errs.ErrNotFound)
}

func TestTreasuryParams(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetTreasuryParams()
	assert.ErrorIs(t, err, errs.ErrNotFound)

	in := &models.TreasuryParams{
		Threshold:       uint256.NewInt(1000),
		MaxDeposit:      uint256.NewInt(1000),
		MinWithdraw:     uint256.NewInt(100),
		ToleranceBps:    200,
		Path:            []byte{0xaa, 0xbb},
		AllowIdleRefill: true,
	}
	require.NoError(t, repo.PutTreasuryParams(in))

	out, err := repo.GetTreasuryParams()
	require.NoError(t, err)
	assert.True(t, out.Threshold.Eq(in.Threshold))
	assert.Equal(t, uint64(200), out.ToleranceBps)
	assert.Equal(t, []byte{0xaa, 0xbb}, []byte(out.Path))
	assert.True(t, out.AllowIdleRefill)
}

func TestEventsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)

	batch := []*models.Event{
		{ID: uuid.Must(uuid.NewV7()).String(), Kind: models.EventSwapped, Data: []byte(`{}`), CreatedAt: 10},
		{ID: uuid.Must(uuid.NewV7()).String(), Kind: models.EventRefillCompleted, Data: []byte(`{}`), CreatedAt: 10},
	}
	require.NoError(t, repo.PutEvents(batch))
	require.NoError(t, repo.PutEvents([]*models.Event{
		{ID: uuid.Must(uuid.NewV7()).String(), Kind: models.EventExecutedJob, Data: []byte(`{}`), CreatedAt: 20},
	}))

	events, err := repo.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventExecutedJob, events[0].Kind)
	assert.Equal(t, models.EventRefillCompleted, events[1].Kind)
	assert.Equal(t, models.EventSwapped, events[2].Kind)

	events, err = repo.GetEvents(1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
