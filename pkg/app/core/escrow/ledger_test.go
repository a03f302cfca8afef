package escrow

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

const (
	hypl asset.ID = "HYPL"
	usdc asset.ID = "USDC"
)

var (
	market = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func newLedger() (*Ledger, *journal.Journal) {
	j := journal.New()
	return NewLedger(market, hypl, usdc, j), j
}

func TestDepositCreatesVaultOnce(t *testing.T) {
	l, _ := newLedger()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Deposit(alice, asset.Units{Asset: usdc, Amount: 10}))
	}
	require.NoError(t, l.Deposit(alice, asset.Units{Asset: hypl, Amount: 4}))

	assert.Equal(t, 1, l.Len())
	v, ok := l.Vault(alice)
	require.True(t, ok)
	assert.Equal(t, Vault{Base: 4, Quote: 30}, v)
}

func TestDepositRejectsForeignAsset(t *testing.T) {
	l, _ := newLedger()
	err := l.Deposit(alice, asset.Units{Asset: "ETH", Amount: 1})
	assert.ErrorIs(t, err, ErrAssetMismatch)
	assert.Equal(t, 0, l.Len())
}

func TestWithdrawInsufficiency(t *testing.T) {
	tests := []struct {
		name    string
		balance uint64
		amount  uint64
		wantErr bool
	}{
		{"exact balance", 50, 50, false},
		{"below balance", 50, 49, false},
		{"one over", 50, 51, true},
		{"empty vault", 0, 1, true},
		{"max amount", 50, math.MaxUint64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger()
			if tt.balance > 0 {
				require.NoError(t, l.Deposit(alice, asset.Units{Asset: usdc, Amount: tt.balance}))
			}

			units, err := l.Withdraw(alice, Quote, tt.amount)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInsufficientEscrow))
				v, _ := l.Vault(alice)
				assert.Equal(t, tt.balance, v.Quote, "failed withdraw must not mutate")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, asset.Units{Asset: usdc, Amount: tt.amount}, units)
			v, _ := l.Vault(alice)
			assert.Equal(t, tt.balance-tt.amount, v.Quote)
		})
	}
}

func TestWithdrawZeroTouchesNothing(t *testing.T) {
	l, j := newLedger()

	units, err := l.Withdraw(bob, Base, 0)
	require.NoError(t, err)
	assert.Equal(t, asset.Zero(hypl), units)
	assert.True(t, units.IsZero())
	assert.Equal(t, 0, l.Len(), "zero withdraw must not create a vault")
	assert.Equal(t, 0, j.Len())
}

func TestRevertUndoesCreationAndBalances(t *testing.T) {
	l, j := newLedger()
	require.NoError(t, l.Deposit(alice, asset.Units{Asset: usdc, Amount: 100}))
	j.Reset()

	snap := j.Snapshot()
	_, err := l.Withdraw(alice, Quote, 60)
	require.NoError(t, err)
	require.NoError(t, l.Deposit(bob, asset.Units{Asset: usdc, Amount: 60}))

	j.RevertToSnapshot(snap)

	v, ok := l.Vault(alice)
	require.True(t, ok)
	assert.Equal(t, uint64(100), v.Quote)
	_, ok = l.Vault(bob)
	assert.False(t, ok, "vault created inside a reverted unit must disappear")
}

func TestTotalsAndTraders(t *testing.T) {
	l, _ := newLedger()
	require.NoError(t, l.Deposit(bob, asset.Units{Asset: hypl, Amount: 3}))
	require.NoError(t, l.Deposit(alice, asset.Units{Asset: usdc, Amount: 7}))

	assert.Equal(t, Vault{Base: 3, Quote: 7}, l.Totals())
	assert.Equal(t, []common.Address{alice, bob}, l.Traders())
}

func TestFlushWritesDirtyVaults(t *testing.T) {
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	l, j := newLedger()
	require.NoError(t, l.Deposit(alice, asset.Units{Asset: hypl, Amount: 8}))

	b := store.NewBatch()
	require.NoError(t, l.Flush(b))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())
	j.Reset()

	vaults, err := store.LoadVaults(market)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, uint64(8), vaults[0].Base)

	// nothing dirty after a flush
	b = store.NewBatch()
	defer b.Close()
	require.NoError(t, l.Flush(b))
	assert.True(t, b.Empty())
}

func TestRestore(t *testing.T) {
	l, j := newLedger()
	l.Restore(alice, Vault{Base: 1, Quote: 2})
	assert.Equal(t, 0, j.Len())

	v, ok := l.Vault(alice)
	require.True(t, ok)
	assert.Equal(t, Vault{Base: 1, Quote: 2}, v)
}
