package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WordSize is the length of one ABI word.
const WordSize = 32

// ErrShortResult is returned when return data holds fewer words than the
// decoder needs.
var ErrShortResult = errors.New("chain: return data too short")

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// Word is one 32-byte ABI slot.
type Word [WordSize]byte

// AddressWord left-pads an address into a word.
func AddressWord(a common.Address) Word {
	var w Word
	copy(w[WordSize-common.AddressLength:], a.Bytes())
	return w
}

// UintWord encodes a non-negative integer of at most 256 bits.
func UintWord(v *big.Int) Word {
	var w Word
	v.FillBytes(w[:])
	return w
}

// Uint64Word encodes v.
func Uint64Word(v uint64) Word {
	return UintWord(new(big.Int).SetUint64(v))
}

// IntWord encodes v in two's complement.
func IntWord(v *big.Int) Word {
	if v.Sign() >= 0 {
		return UintWord(v)
	}
	return UintWord(new(big.Int).Add(v, twoTo256))
}

// Method is a contract function identified by its 4-byte selector.
type Method struct {
	Signature string
	Selector  [4]byte
}

// NewMethod derives the selector of a canonical signature such as
// "balanceOf(address)".
func NewMethod(signature string) Method {
	m := Method{Signature: signature}
	copy(m.Selector[:], crypto.Keccak256([]byte(signature))[:4])
	return m
}

// Pack builds calldata for the method with static arguments.
func (m Method) Pack(args ...Word) []byte {
	data := make([]byte, 4, 4+len(args)*WordSize)
	copy(data, m.Selector[:])
	for _, a := range args {
		data = append(data, a[:]...)
	}
	return data
}

// Call packs args and calls the method on to.
func (m Method) Call(ctx context.Context, c Caller, to common.Address, args ...Word) ([]byte, error) {
	out, err := c.Call(ctx, to, m.Pack(args...))
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", m.Signature, to.Hex(), err)
	}
	return out, nil
}

// CallUint calls a method returning a single uint256.
func (m Method) CallUint(ctx context.Context, c Caller, to common.Address, args ...Word) (*big.Int, error) {
	out, err := m.Call(ctx, c, to, args...)
	if err != nil {
		return nil, err
	}
	v, err := DecodeUint(out, 0)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", m.Signature, to.Hex(), err)
	}
	return v, nil
}

// CallAddress calls a method returning a single address.
func (m Method) CallAddress(ctx context.Context, c Caller, to common.Address, args ...Word) (common.Address, error) {
	out, err := m.Call(ctx, c, to, args...)
	if err != nil {
		return common.Address{}, err
	}
	a, err := DecodeAddress(out, 0)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s on %s: %w", m.Signature, to.Hex(), err)
	}
	return a, nil
}

func word(raw []byte, i int) ([]byte, error) {
	if i < 0 || len(raw) < (i+1)*WordSize {
		return nil, fmt.Errorf("%w: need word %d, have %d bytes", ErrShortResult, i, len(raw))
	}
	return raw[i*WordSize : (i+1)*WordSize], nil
}

// DecodeUint reads word i as an unsigned integer.
func DecodeUint(raw []byte, i int) (*big.Int, error) {
	w, err := word(raw, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

// DecodeInt reads word i as a two's complement signed integer.
func DecodeInt(raw []byte, i int) (*big.Int, error) {
	w, err := word(raw, i)
	if err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(w)
	if w[0]&0x80 != 0 {
		v.Sub(v, twoTo256)
	}
	return v, nil
}

// DecodeAddress reads word i as an address.
func DecodeAddress(raw []byte, i int) (common.Address, error) {
	w, err := word(raw, i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(w[WordSize-common.AddressLength:]), nil
}

// DecodeBool reads word i as a bool.
func DecodeBool(raw []byte, i int) (bool, error) {
	v, err := DecodeUint(raw, i)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// DecodeAddressArray reads the dynamic address[] whose offset is stored in
// word i.
func DecodeAddressArray(raw []byte, i int) ([]common.Address, error) {
	off, err := DecodeUint(raw, i)
	if err != nil {
		return nil, err
	}
	if !off.IsInt64() || off.Int64()%WordSize != 0 {
		return nil, fmt.Errorf("%w: bad array offset %s", ErrShortResult, off)
	}
	head := int(off.Int64() / WordSize)

	n, err := DecodeUint(raw, head)
	if err != nil {
		return nil, err
	}
	if !n.IsInt64() || n.Int64() > int64(len(raw)/WordSize) {
		return nil, fmt.Errorf("%w: bad array length %s", ErrShortResult, n)
	}

	out := make([]common.Address, n.Int64())
	for j := range out {
		a, err := DecodeAddress(raw, head+1+j)
		if err != nil {
			return nil, err
		}
		out[j] = a
	}
	return out, nil
}
