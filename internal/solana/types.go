package solana

// Commitment levels used for reads and confirmations.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// NativeMint is the wrapped SOL mint used by swap aggregators as the SOL asset.
const NativeMint = "So11111111111111111111111111111111111111112"

// TokenBalance is a token amount in base units.
type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

// SignatureStatus from getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *int64
	Err                interface{}
	ConfirmationStatus string
}

// IsConfirmed reports whether the signature reached at least confirmed commitment.
func (s *SignatureStatus) IsConfirmed() bool {
	if s == nil {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// Blockhash from getLatestBlockhash.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// ConfirmResult is the outcome of waiting for a signature.
type ConfirmResult struct {
	OK  bool
	Err string
}

// UnsignedTx is a serialized transaction awaiting signatures.
type UnsignedTx struct {
	Tx                   []byte
	LastValidBlockHeight uint64
}
