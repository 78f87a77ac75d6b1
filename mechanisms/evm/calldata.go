package evm

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var delegateABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(DelegateABI))
})

// DelegateCalldata encodes the Delegate contract call that executes intent.
// The call is addressed to the payer account, which runs the delegate code.
func DelegateCalldata(intent Intent, signature []byte) ([]byte, error) {
	parsed, err := delegateABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse delegate ABI: %w", err)
	}

	switch intent.Kind {
	case IntentKindToken:
		return parsed.Pack(FunctionExecuteTokenTransfer,
			intent.Token, intent.Amount, intent.Recipient, intent.Nonce, intent.Deadline, signature)
	case IntentKindNative:
		return parsed.Pack(FunctionExecuteNativeTransfer,
			intent.Amount, intent.Recipient, intent.Nonce, intent.Deadline, signature)
	default:
		return nil, fmt.Errorf("unknown intent kind %d", int(intent.Kind))
	}
}
