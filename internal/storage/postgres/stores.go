package postgres

import "solana-settlement/internal/storage"

// NewStores wires every PostgreSQL store onto one pool.
func NewStores(pool *Pool) storage.Stores {
	return storage.Stores{
		Sessions:      NewSessionStore(pool),
		Wallets:       NewWalletStore(pool),
		Timers:        NewTimerStore(pool),
		Ledger:        NewLedgerStore(pool),
		Distributions: NewDistributionStore(pool),
	}
}
