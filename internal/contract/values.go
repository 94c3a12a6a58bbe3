package contract

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DecodeValue restores a JSON-encoded read result to the Go type returned by
// the typed read for method.
func DecodeValue(method string, data []byte) (any, error) {
	switch method {
	case MethodFee, MethodTotalUsers:
		v := new(big.Int)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	case MethodSignedUp:
		var v bool
		err := json.Unmarshal(data, &v)
		return v, err
	case MethodEarnings:
		var v Earnings
		err := json.Unmarshal(data, &v)
		return v, err
	case MethodUpline:
		var v common.Address
		err := json.Unmarshal(data, &v)
		return v, err
	case MethodDownline:
		var v []*big.Int
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown read method %q", method)
	}
}
