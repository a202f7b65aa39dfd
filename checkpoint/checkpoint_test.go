package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomic-io/nomic-go/errors"
	"github.com/nomic-io/nomic-go/store"
)

func genesis() *Checkpoint {
	return &Checkpoint{
		Generation:    1,
		CustodyScript: []byte{0x51},
		Reserve:       0,
	}
}

func successor(prev *Checkpoint, reserve int64) *Checkpoint {
	cp := &Checkpoint{
		Generation:    prev.Generation + 1,
		CustodyScript: []byte{0x52},
		Reserve:       reserve,
		Predecessor:   prev.Hash(),
	}
	cp.TxID[0] = byte(cp.Generation)
	return cp
}

func TestHashCommitsToAllFields(t *testing.T) {
	base := genesis()
	assert.Equal(t, base.Hash(), genesis().Hash())

	mutated := genesis()
	mutated.Reserve = 1
	assert.NotEqual(t, base.Hash(), mutated.Hash())

	mutated = genesis()
	mutated.CustodyScript = []byte{0x52}
	assert.NotEqual(t, base.Hash(), mutated.Hash())

	mutated = genesis()
	mutated.TxID[0] = 1
	assert.NotEqual(t, base.Hash(), mutated.Hash())
}

func TestLedgerAppend(t *testing.T) {
	db := store.NewMemStore()
	ledger, err := NewLedger(db)
	require.NoError(t, err)

	_, err = ledger.Head()
	assert.True(t, errors.ErrNotFound.Is(err))

	// The first checkpoint must be genesis.
	first := genesis()
	nonGenesis := successor(first, 100)
	err = ledger.Append(nonGenesis)
	assert.True(t, errors.ErrStaleCheckpoint.Is(err))

	require.NoError(t, ledger.Append(first))
	second := successor(first, 100)
	require.NoError(t, ledger.Append(second))

	head, err := ledger.Head()
	require.NoError(t, err)
	assert.Equal(t, second, head)

	byGen, err := ledger.ByGeneration(1)
	require.NoError(t, err)
	assert.Equal(t, first.Hash(), byGen.Hash())
}

func TestLedgerRejectsStale(t *testing.T) {
	ledger, err := NewLedger(store.NewMemStore())
	require.NoError(t, err)

	first := genesis()
	require.NoError(t, ledger.Append(first))
	second := successor(first, 100)
	require.NoError(t, ledger.Append(second))

	// Referencing a superseded head fails, so does re-appending.
	stale := successor(first, 200)
	assert.True(t, errors.ErrStaleCheckpoint.Is(ledger.Append(stale)))
	assert.True(t, errors.ErrStaleCheckpoint.Is(ledger.Append(second)))

	// A correct predecessor with a non-increasing generation fails too.
	bad := successor(second, 300)
	bad.Generation = second.Generation
	assert.True(t, errors.ErrStaleCheckpoint.Is(ledger.Append(bad)))
}

func TestLedgerReload(t *testing.T) {
	db := store.NewMemStore()
	ledger, err := NewLedger(db)
	require.NoError(t, err)

	first := genesis()
	require.NoError(t, ledger.Append(first))
	second := successor(first, 100)
	require.NoError(t, ledger.Append(second))

	// A fresh ledger over the same store resumes at the same head and
	// keeps enforcing the chain rule.
	reloaded, err := NewLedger(db)
	require.NoError(t, err)
	head, err := reloaded.Head()
	require.NoError(t, err)
	assert.Equal(t, second.Hash(), head.Hash())

	third := successor(second, 150)
	require.NoError(t, reloaded.Append(third))
}

func TestLedgerCorruptHead(t *testing.T) {
	db := store.NewMemStore()
	require.NoError(t, db.Set(keyHead, []byte("bad")))

	_, err := NewLedger(db)
	assert.True(t, errors.ErrCorruption.Is(err))
}
