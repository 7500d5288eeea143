package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wire-format constants.
const (
	signatureSize = 64
	pubkeySize    = 32

	// versionPrefixMask marks a versioned (v0) message.
	versionPrefixMask = 0x80

	// systemTransferInstruction is the SystemProgram Transfer discriminator.
	systemTransferInstruction = 2

	// TransferFeeLamports is the base fee of a single-signature transaction.
	TransferFeeLamports = 5000
)

// SystemProgramID is the system program address.
const SystemProgramID = "11111111111111111111111111111111"

// ErrSignerNotInTransaction is returned when the keypair is not a required signer.
var ErrSignerNotInTransaction = errors.New("keypair is not a required signer of transaction")

// parsedTx locates signatures and message inside a serialized transaction.
type parsedTx struct {
	numSignatures int
	sigOffset     int
	messageOffset int
	signers       [][]byte
}

// parseTransaction reads the signature section and the signer keys of a legacy or v0 message.
func parseTransaction(tx []byte) (*parsedTx, error) {
	numSigs, n, err := decodeShortVec(tx)
	if err != nil {
		return nil, fmt.Errorf("read signature count: %w", err)
	}
	p := &parsedTx{
		numSignatures: numSigs,
		sigOffset:     n,
		messageOffset: n + numSigs*signatureSize,
	}
	if p.messageOffset > len(tx) {
		return nil, fmt.Errorf("transaction truncated in signatures")
	}

	msg := tx[p.messageOffset:]
	pos := 0
	if len(msg) > 0 && msg[0]&versionPrefixMask != 0 {
		pos++ // version byte
	}
	if len(msg) < pos+3 {
		return nil, fmt.Errorf("transaction truncated in message header")
	}
	numRequired := int(msg[pos])
	pos += 3

	numKeys, n, err := decodeShortVec(msg[pos:])
	if err != nil {
		return nil, fmt.Errorf("read account key count: %w", err)
	}
	pos += n
	if numRequired > numKeys || numRequired != numSigs {
		return nil, fmt.Errorf("header requires %d signatures, transaction has %d slots and %d keys",
			numRequired, numSigs, numKeys)
	}
	if len(msg) < pos+numKeys*pubkeySize {
		return nil, fmt.Errorf("transaction truncated in account keys")
	}
	for i := 0; i < numRequired; i++ {
		start := pos + i*pubkeySize
		p.signers = append(p.signers, msg[start:start+pubkeySize])
	}
	return p, nil
}

// SignTransaction fills the signature slot of kp in a serialized transaction.
// The input is not modified.
func SignTransaction(tx []byte, kp *Keypair) ([]byte, error) {
	p, err := parseTransaction(tx)
	if err != nil {
		return nil, err
	}

	pub := kp.PublicKey()
	idx := -1
	for i, signer := range p.signers {
		if bytes.Equal(signer, pub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrSignerNotInTransaction
	}

	out := make([]byte, len(tx))
	copy(out, tx)
	sig := ed25519.Sign(kp.private, out[p.messageOffset:])
	copy(out[p.sigOffset+idx*signatureSize:], sig)
	return out, nil
}

// TransactionSignature returns the base58 first signature, which identifies the transaction.
func TransactionSignature(tx []byte) (string, error) {
	p, err := parseTransaction(tx)
	if err != nil {
		return "", err
	}
	if p.numSignatures == 0 {
		return "", fmt.Errorf("transaction has no signatures")
	}
	return base58.Encode(tx[p.sigOffset : p.sigOffset+signatureSize]), nil
}

// NewTransferTransaction builds an unsigned legacy transaction moving lamports from one
// account to another through the system program. from pays the fee.
func NewTransferTransaction(from, to string, lamports uint64, recentBlockhash string) ([]byte, error) {
	fromKey, err := DecodeAddress(from)
	if err != nil {
		return nil, err
	}
	toKey, err := DecodeAddress(to)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(fromKey, toKey) {
		return nil, fmt.Errorf("transfer source and destination are the same account")
	}
	systemKey, err := DecodeAddress(SystemProgramID)
	if err != nil {
		return nil, err
	}
	blockhash, err := DecodeAddress(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("decode blockhash: %w", err)
	}

	var msg bytes.Buffer
	// Header: 1 required signature, 0 readonly signed, 1 readonly unsigned (system program).
	msg.Write([]byte{1, 0, 1})
	msg.Write(encodeShortVec(3))
	msg.Write(fromKey)
	msg.Write(toKey)
	msg.Write(systemKey)
	msg.Write(blockhash)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	msg.Write(encodeShortVec(1)) // instruction count
	msg.WriteByte(2)             // program id index
	msg.Write(encodeShortVec(2))
	msg.Write([]byte{0, 1})
	msg.Write(encodeShortVec(len(data)))
	msg.Write(data)

	var tx bytes.Buffer
	tx.Write(encodeShortVec(1))
	tx.Write(make([]byte, signatureSize))
	tx.Write(msg.Bytes())
	return tx.Bytes(), nil
}

// encodeShortVec encodes a compact-u16 length.
func encodeShortVec(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// decodeShortVec decodes a compact-u16 length and returns the bytes consumed.
func decodeShortVec(data []byte) (int, int, error) {
	var value, shift int
	for i := 0; i < 3; i++ {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("short vec truncated")
		}
		b := int(data[i])
		value |= (b & 0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("short vec too long")
}
