package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundDownToStep(t *testing.T) {
	tests := []struct {
		name     string
		size     string
		step     string
		expected string
	}{
		{"exact multiple", "0.002", "0.001", "0.002"},
		{"truncates remainder", "0.00299", "0.001", "0.002"},
		{"below step", "0.0004", "0.001", "0"},
		{"integer step", "17.9", "1", "17"},
		{"zero step passthrough", "1.2345", "0", "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundDownToStep(decimal.RequireFromString(tt.size), decimal.RequireFromString(tt.step))
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("RoundDownToStep(%s, %s) = %s, want %s", tt.size, tt.step, got, tt.expected)
			}
		})
	}
}

func TestRoundDownToStep_NeverExceedsNotional(t *testing.T) {
	step := decimal.RequireFromString("0.001")
	notionals := []string{"100", "99.99", "12.5", "1000000", "0.5"}
	marks := []string{"50000", "3123.7", "0.98765", "1.5", "77777.7"}

	for _, n := range notionals {
		for _, p := range marks {
			notional := decimal.RequireFromString(n)
			mark := decimal.RequireFromString(p)
			size := RoundDownToStep(notional.Div(mark), step)
			if size.Mul(mark).GreaterThan(notional) {
				t.Errorf("notional %s at mark %s: size %s overshoots (%s)", n, p, size, size.Mul(mark))
			}
		}
	}
}

func TestSizeForNotional(t *testing.T) {
	tests := []struct {
		name     string
		notional string
		price    string
		step     string
		expected string
	}{
		{"scenario", "100", "50000", "0.001", "0.002"},
		{"division rounds up past a lot", "0.00000003", "3.00000001", "0.00000001", "0"},
		{"exact fit kept", "0.00000003", "3", "0.00000001", "0.00000001"},
		{"zero price", "100", "0", "0.001", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SizeForNotional(decimal.RequireFromString(tt.notional), decimal.RequireFromString(tt.price), decimal.RequireFromString(tt.step))
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("SizeForNotional(%s, %s, %s) = %s, want %s", tt.notional, tt.price, tt.step, got, tt.expected)
			}
		})
	}
}

func TestSizeForNotional_NeverExceedsNotional(t *testing.T) {
	notionals := []string{"0.00000003", "0.0000001", "1", "99.99999999", "123456.78901234", "1000000"}
	prices := []string{"3.00000001", "0.33333333", "50000.00000001", "1.99999999", "0.00000007", "77777.77777777"}
	steps := []string{"0.00000001", "0.0001", "0.001", "1"}

	for _, n := range notionals {
		for _, p := range prices {
			for _, st := range steps {
				notional := decimal.RequireFromString(n)
				price := decimal.RequireFromString(p)
				step := decimal.RequireFromString(st)
				size := SizeForNotional(notional, price, step)
				if size.Mul(price).GreaterThan(notional) {
					t.Errorf("N=%s P=%s S=%s: size %s costs %s", n, p, st, size, size.Mul(price))
				}
				if size.IsNegative() || !size.Equal(RoundDownToStep(size, step)) {
					t.Errorf("N=%s P=%s S=%s: size %s not a whole number of lots", n, p, st, size)
				}
				// One more lot must not fit, else rounding gave away size.
				if size.Add(step).Mul(price).LessThanOrEqual(notional) {
					t.Errorf("N=%s P=%s S=%s: size %s leaves a whole lot unused", n, p, st, size)
				}
			}
		}
	}
}

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		decimals int32
		expected string
	}{
		{"five sig figs", "50123.456", 1, "50123"},
		{"large integer kept", "123456.7", 1, "123457"},
		{"decimal cap", "1.234567", 2, "1.23"},
		{"sig fig cap", "1.234567", 5, "1.2346"},
		{"small price", "0.000123456", 6, "0.000123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundPrice(decimal.RequireFromString(tt.price), tt.decimals)
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("RoundPrice(%s, %d) = %s, want %s", tt.price, tt.decimals, got, tt.expected)
			}
		})
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := map[string]string{
		"0.0020": "0.002",
		"50000":  "50000",
		"1.0":    "1",
		"-0.50":  "-0.5",
	}
	for in, want := range tests {
		if got := FormatDecimal(decimal.RequireFromString(in)); got != want {
			t.Errorf("FormatDecimal(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestVenueSymbol(t *testing.T) {
	overrides := map[string]string{"PEPE-PERP": "kPEPE"}
	tests := map[string]string{
		"BTC-PERP":  "BTC",
		"ETH/USDC":  "ETH",
		"SOL":       "SOL",
		"PEPE-PERP": "kPEPE",
		"DOGE-USD":  "DOGE",
	}
	for in, want := range tests {
		if got := VenueSymbol(in, overrides); got != want {
			t.Errorf("VenueSymbol(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestFillEvent_IsExit(t *testing.T) {
	zero := decimal.Zero
	entry := FillEvent{}
	exit := FillEvent{ClosedPnL: &zero}

	if entry.IsExit() {
		t.Error("fill without closed pnl must be an entry")
	}
	if !exit.IsExit() {
		t.Error("fill with explicit zero closed pnl must be an exit")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = NewNetworkError("post /info", errors.New("reset"), true)
	var ne *NetworkError
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Error("expected timeout network error")
	}
	if !IsRetryable(err) {
		t.Error("network errors should be retryable by callers")
	}

	err = &VenueError{Message: "Insufficient margin", Code: "E1"}
	if IsRetryable(err) {
		t.Error("venue rejections must not be retryable")
	}
	if err.Error() != "venue rejected (E1): Insufficient margin" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
