// Package chaintest provides an in-memory chain.Caller for tests.
package chaintest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/portfolio-engine/internal/chain"
)

// Fake answers calls from canned responses keyed by target and calldata.
// Unknown calls fail. It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	results  map[string][]byte
	errs     map[string]error
	balances map[common.Address]*big.Int
	calls    int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		results:  make(map[string][]byte),
		errs:     make(map[string]error),
		balances: make(map[common.Address]*big.Int),
	}
}

func key(to common.Address, data []byte) string {
	return to.Hex() + ":" + hex.EncodeToString(data)
}

// Set answers m(args) on to with the given words.
func (f *Fake) Set(to common.Address, m chain.Method, args []chain.Word, result ...chain.Word) {
	raw := make([]byte, 0, len(result)*chain.WordSize)
	for _, w := range result {
		raw = append(raw, w[:]...)
	}
	f.SetRaw(to, m.Pack(args...), raw)
}

// SetRaw answers calldata on to with raw return data.
func (f *Fake) SetRaw(to common.Address, data, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key(to, data)] = raw
}

// Fail makes m(args) on to return err.
func (f *Fake) Fail(to common.Address, m chain.Method, args []chain.Word, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key(to, m.Pack(args...))] = err
}

// SetBalance sets the native balance of account.
func (f *Fake) SetBalance(account common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = wei
}

// Calls returns how many calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	k := key(to, data)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	raw, ok := f.results[k]
	if !ok {
		return nil, fmt.Errorf("chaintest: no response for %s", k)
	}
	return raw, nil
}

func (f *Fake) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// Args is shorthand for a list of argument words.
func Args(words ...chain.Word) []chain.Word {
	return words
}

// Uint encodes v as a word.
func Uint(v int64) chain.Word {
	return chain.IntWord(big.NewInt(v))
}

// Big parses a base-10 integer into a word. It panics on bad input.
func Big(s string) chain.Word {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("chaintest: bad integer " + s)
	}
	return chain.IntWord(v)
}

// Addr builds an address from a short hex suffix, e.g. Addr("a1").
func Addr(suffix string) common.Address {
	return common.HexToAddress("0x" + suffix)
}

// AddressArray encodes a single address[] return value.
func AddressArray(addrs ...common.Address) []byte {
	raw := make([]byte, 0, (2+len(addrs))*chain.WordSize)
	off := chain.Uint64Word(chain.WordSize)
	n := chain.Uint64Word(uint64(len(addrs)))
	raw = append(raw, off[:]...)
	raw = append(raw, n[:]...)
	for _, a := range addrs {
		w := chain.AddressWord(a)
		raw = append(raw, w[:]...)
	}
	return raw
}
