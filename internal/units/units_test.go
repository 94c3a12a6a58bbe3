package units

import (
	"math/big"
	"testing"
)

func TestFormatUnits(t *testing.T) {
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	cases := []struct {
		name   string
		value  *big.Int
		places int32
		want   string
	}{
		{"one ether three places", oneEther, 3, "1.000"},
		{"one ether eighteen places", oneEther, 18, "1.000000000000000000"},
		{"nil is zero", nil, 3, "0.000"},
		{"zero", big.NewInt(0), 3, "0.000"},
		{"one wei eighteen places", big.NewInt(1), 18, "0.000000000000000001"},
		{"fraction", big.NewInt(1_500_000_000_000_000), 3, "0.002"},
		{"no places", oneEther, 0, "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatUnits(tc.value, EtherDecimals, tc.places); got != tc.want {
				t.Fatalf("FormatUnits = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatDoesNotMutateInput(t *testing.T) {
	v := big.NewInt(123456789)
	_ = FormatEther(v, 3)
	if v.Cmp(big.NewInt(123456789)) != 0 {
		t.Fatalf("input mutated: %s", v)
	}
}

func TestParseUnits(t *testing.T) {
	got, err := ParseUnits("0.05", EtherDecimals)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want, _ := new(big.Int).SetString("50000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s want %s", got, want)
	}

	for _, bad := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		if _, err := ParseUnits(bad, EtherDecimals); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestIsPositive(t *testing.T) {
	if IsPositive(nil) || IsPositive(big.NewInt(0)) {
		t.Fatal("nil and zero must not be positive")
	}
	if !IsPositive(big.NewInt(1)) {
		t.Fatal("one must be positive")
	}
}
