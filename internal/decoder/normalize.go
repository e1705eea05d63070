package decoder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// normalize converts an ABI value into its canonical stored form. Integers
// become decimal strings, addresses and byte strings become lowercase 0x-hex,
// strings are cleaned by cleanText, arrays become []any.
func normalize(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		if err := checkRange(t, n); err != nil {
			return nil, err
		}
		return n.String(), nil

	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return strings.ToLower(a.Hex()), nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid address %q", a)
			}
			return strings.ToLower(common.HexToAddress(a).Hex()), nil
		}
		return nil, fmt.Errorf("unsupported address value %T", v)

	case abi.FixedBytesTy, abi.BytesTy, abi.HashTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if t.T == abi.FixedBytesTy && len(b) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		return "0x" + hex.EncodeToString(b), nil

	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unsupported string value %T", v)
		}
		return cleanText(s), nil

	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch b {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("unsupported bool value %v", v)

	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("unsupported array value %T", v)
		}
		if t.T == abi.ArrayTy && rv.Len() != t.Size {
			return nil, fmt.Errorf("want %d elements, got %d", t.Size, rv.Len())
		}
		out := make([]any, rv.Len())
		for i := range out {
			ev, err := normalize(*t.Elem, rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported abi type %s", t.String())
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case string:
		return parseInteger(n)
	case json.Number:
		out, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n.String())
		}
		return out, nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return nil, fmt.Errorf("integer %v not exactly representable", n)
		}
		return big.NewInt(int64(n)), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint()), nil
	}
	return nil, fmt.Errorf("unsupported integer value %T", v)
}

// parseInteger reads a base-10 integer, or base 16 behind an explicit 0x.
// Leading zeros stay decimal and digit separators are rejected.
func parseInteger(s string) (*big.Int, error) {
	digits, base := s, 10
	neg := strings.HasPrefix(digits, "-")
	if neg {
		digits = digits[1:]
	}
	if rest, ok := strings.CutPrefix(digits, "0x"); ok {
		digits, base = rest, 16
	} else if rest, ok := strings.CutPrefix(digits, "0X"); ok {
		digits, base = rest, 16
	}
	if digits == "" || strings.HasPrefix(digits, "+") || strings.HasPrefix(digits, "-") {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	out, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// cleanText makes chain strings storable as text: invalid UTF-8 becomes
// U+FFFD and NUL bytes are dropped.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

func checkRange(t abi.Type, n *big.Int) error {
	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return fmt.Errorf("negative value %s for %s", n, t.String())
		}
		if n.BitLen() > t.Size {
			return fmt.Errorf("value %s overflows %s", n, t.String())
		}
		return nil
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
		return fmt.Errorf("value %s overflows %s", n, t.String())
	}
	return nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case common.Hash:
		return b.Bytes(), nil
	case string:
		out, err := hex.DecodeString(strings.TrimPrefix(b, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q", b)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported bytes value %T", v)
}
