package chain

import (
	"math"
	"math/big"
	"testing"
)

func TestBaseUnits(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{0, 0},
		{1, 1_000_000},
		{0.000001, 1},
		{10.5, 10_500_000},
		{19.99, 19_990_000},
	}
	for _, tc := range cases {
		if got := BaseUnits(tc.amount); got != tc.want {
			t.Errorf("BaseUnits(%v) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestBaseFromBig(t *testing.T) {
	if got, ok := BaseFromBig(big.NewInt(5_000_000)); !ok || got != 5_000_000 {
		t.Fatalf("BaseFromBig = %d, %v", got, ok)
	}
	huge := new(big.Int).Add(big.NewInt(math.MaxInt64), big.NewInt(1))
	if _, ok := BaseFromBig(huge); ok {
		t.Fatal("values beyond int64 must be rejected")
	}
	if _, ok := BaseFromBig(nil); ok {
		t.Fatal("nil must be rejected")
	}
}

func TestFormatUSDC(t *testing.T) {
	cases := []struct {
		base int64
		want string
	}{
		{0, "0"},
		{5_000_000, "5"},
		{10_500_000, "10.5"},
		{1, "0.000001"},
		{-2_250_000, "-2.25"},
	}
	for _, tc := range cases {
		if got := FormatUSDC(tc.base); got != tc.want {
			t.Errorf("FormatUSDC(%d) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestParseNetwork(t *testing.T) {
	cases := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{"", NetworkTestnet, false},
		{"TESTNET", NetworkTestnet, false},
		{"testnet", NetworkTestnet, false},
		{"MAINNET", NetworkMainnet, false},
		{"SOLANA", "", true},
	}
	for _, tc := range cases {
		got, err := ParseNetwork(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseNetwork(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}
