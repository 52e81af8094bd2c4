package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
)

var ErrInsufficientBalance = errors.New("Insufficient CST balance in escrow")

// Amount is an arbitrary-precision decimal that always serializes as a
// decimal string. The text received from the marketplace is kept verbatim.
type Amount struct {
	text string
	dec  sdkmath.LegacyDec
}

func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "eE") {
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return Amount{}, fmt.Errorf("invalid amount %q", s)
		}
		s = trimDecimal(r.FloatString(sdkmath.LegacyPrecision))
	}

	dec, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{text: s, dec: dec}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string {
	if a.text == "" {
		return "0"
	}
	return a.text
}

func (a Amount) IsPositive() bool {
	return !a.dec.IsNil() && a.dec.IsPositive()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both quoted decimals and bare JSON numbers, reading
// numbers from their raw text so that wei-scale integers survive intact.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = Amount{}
		return nil
	}

	text := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
	}

	parsed, err := ParseAmount(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Balance is the escrow balance for one token.
type Balance struct {
	LockedBalance   Amount `json:"lockedBalance"`
	UnlockedBalance Amount `json:"unlockedBalance"`
}

// CanDeploy reports whether unlocked funds are strictly positive.
func (b *Balance) CanDeploy() bool {
	return b != nil && b.UnlockedBalance.IsPositive()
}

func trimDecimal(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
