package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePositive(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"integer", "10000", false},
		{"fractional", "1500.50", false},
		{"zero", "0", true},
		{"negative", "-5", true},
		{"garbage", "10,000", true},
		{"empty", "", true},
		{"scientific ok", "1e3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePositive(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePositive(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStellarAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"seven decimals", "0.0000001", nil},
		{"eight decimals", "0.00000001", ErrTooManyDecimals},
		{"eight decimals trailing zero", "1.10000000", nil},
		{"ledger max", "922337203685.4775807", nil},
		{"over ledger max", "922337203685.4775808", ErrAmountTooLarge},
		{"zero", "0", ErrNotPositive},
		{"negative", "-1", ErrNotPositive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decimal.RequireFromString(tt.input)
			err := ValidateStellarAmount(d)
			if err != tt.wantErr {
				t.Errorf("ValidateStellarAmount(%s) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestStroopsRoundTrip(t *testing.T) {
	cases := []string{"1", "0.0000001", "10000", "123.4567891"}
	for _, c := range cases {
		d := decimal.RequireFromString(c)
		stroops, err := ToStroops(d)
		if err != nil {
			t.Fatalf("ToStroops(%s): %v", c, err)
		}
		back := FromStroops(stroops)
		if !back.Equal(d) {
			t.Errorf("round trip %s: got %s", c, back)
		}
	}

	if _, err := ToStroops(decimal.RequireFromString("0.00000015")); err != ErrTooManyDecimals {
		t.Errorf("expected ErrTooManyDecimals, got %v", err)
	}
}

func TestStellarAmountString(t *testing.T) {
	s, err := StellarAmountString(decimal.RequireFromString("10000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "10000.0000000" {
		t.Errorf("got %q, want fixed 7dp form", s)
	}
}

func TestClip(t *testing.T) {
	floor := decimal.Zero
	ceiling := decimal.RequireFromString("2000")

	got := Clip(decimal.RequireFromString("2500"), floor, &ceiling)
	if !got.Equal(ceiling) {
		t.Errorf("clip above: got %s, want %s", got, ceiling)
	}

	got = Clip(decimal.RequireFromString("-3"), floor, &ceiling)
	if !got.Equal(floor) {
		t.Errorf("clip below: got %s, want 0", got)
	}

	in := decimal.RequireFromString("1500")
	got = Clip(in, floor, nil)
	if !got.Equal(in) {
		t.Errorf("no ceiling: got %s, want %s", got, in)
	}
}

func TestMinorUnits(t *testing.T) {
	ngn := MustGetAsset("NGN")

	units, err := ToMinorUnits(decimal.RequireFromString("1500.50"), ngn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if units != 150050 {
		t.Errorf("got %d kobo, want 150050", units)
	}

	if _, err := ToMinorUnits(decimal.RequireFromString("1.005"), ngn); err == nil {
		t.Error("expected sub-kobo residue error")
	}

	back := FromMinorUnits(150050, ngn)
	if back.String() != "1500.5" {
		t.Errorf("FromMinorUnits: got %s", back)
	}
}

func TestAssetRegistry(t *testing.T) {
	if _, err := GetAsset("cNGN"); err != nil {
		t.Errorf("cNGN lookup should be case-insensitive: %v", err)
	}
	if _, err := GetAsset("DOGE"); err == nil {
		t.Error("unknown asset should error")
	}
	if !IsSupportedCurrency("ngn") {
		t.Error("ngn should be supported")
	}
}
