package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// HexToBytes decodes a hex string with or without 0x prefix
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// BigToHex encodes a non-negative integer as 0x-prefixed hex
func BigToHex(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

// AddressEqual compares two hex addresses case-insensitively.
// Malformed addresses never compare equal.
func AddressEqual(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// IsNativeAsset reports whether asset is the native coin sentinel
func IsNativeAsset(asset string) bool {
	return AddressEqual(asset, NativeAssetAddress)
}

// RecoverSigner recovers the address that produced a 65-byte signature over digest.
// Both v in {0,1} and v in {27,28} are accepted. Signatures with s above
// secp256k1n/2 are rejected, matching the contract's ECDSA check.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, errors.New("signature values out of range or s not canonical")
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Deadline returns the earliest deadline accepted at now: now plus DeadlineBuffer
func Deadline(now int64) *big.Int {
	return big.NewInt(now + DeadlineBuffer)
}

// IsExpired reports whether deadline falls before now plus the grace buffer
func IsExpired(deadline *big.Int, now int64) bool {
	return deadline.Cmp(Deadline(now)) < 0
}

// RevertError is returned by ReadClient.Call when execution reverted
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return "execution reverted"
}

// IsExecutionReverted reports whether err is an EVM revert rather than a transport failure
func IsExecutionReverted(err error) bool {
	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return true
	}
	// JSON-RPC code 3 carries revert data; geth also reports -32000 "execution reverted"
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == 3 {
			return true
		}
		return strings.Contains(strings.ToLower(rpcErr.Error()), "execution reverted")
	}
	return false
}
