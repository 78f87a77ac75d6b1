package evm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUntrustedDelegate means the authorization delegates to a contract other than the trusted one
	ErrUntrustedDelegate = errors.New("authorization delegates to an untrusted contract")
	// ErrInvalidAuthorizationSignature means no signer could be recovered from the authorization
	ErrInvalidAuthorizationSignature = errors.New("invalid authorization signature")
)

// VerifyAuthorization returns the account that signed auth. The delegate address is
// checked before any recovery, so an authorization naming another contract is
// rejected with ErrUntrustedDelegate whether or not its signature is valid.
//
// Recovery runs over keccak256(0x05 || rlp([chainId, address, nonce])) as defined by EIP-7702.
func VerifyAuthorization(auth Authorization, trustedDelegate common.Address) (common.Address, error) {
	if auth.ContractAddress != trustedDelegate {
		return common.Address{}, fmt.Errorf("%w: got %s, want %s", ErrUntrustedDelegate, auth.ContractAddress.Hex(), trustedDelegate.Hex())
	}

	setCode, err := auth.SetCode()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidAuthorizationSignature, err)
	}

	authority, err := setCode.Authority()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidAuthorizationSignature, err)
	}
	return authority, nil
}
