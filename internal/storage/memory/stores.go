// Package memory provides in-memory stores for tests and local runs.
package memory

import "solana-settlement/internal/storage"

// NewStores creates an empty set of in-memory stores.
func NewStores() storage.Stores {
	return storage.Stores{
		Sessions:      NewSessionStore(),
		Wallets:       NewWalletStore(),
		Timers:        NewTimerStore(),
		Ledger:        NewLedgerStore(),
		Distributions: NewDistributionStore(),
	}
}
