package types

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestCreditsString(t *testing.T) {
	tests := []struct {
		name    string
		credits Credits
		display string
	}{
		{"Whole", Whole(20), "20.00"},
		{"Half", Credits(50), "0.50"},
		{"Fraction", Credits(125), "1.25"},
		{"Zero", Credits(0), "0.00"},
		{"Negative", Credits(-230), "-2.30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.credits.String(); got != tt.display {
				t.Errorf("String: got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestCreditsArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Credits
		expected Credits
	}{
		{"Add", func() Credits { return Whole(1).Add(Credits(50)) }, Credits(150)},
		{"Sub", func() Credits { return Whole(65).Sub(Whole(20)) }, Whole(45)},
		{"Mul", func() Credits { return Credits(50).Mul(3) }, Credits(150)},
		{"Min", func() Credits { return Whole(45).Min(Whole(1200)) }, Whole(45)},
		{"Discount 90%", func() Credits { return Whole(1).ApplyBasisPoints(9000) }, Credits(90)},
		{"Discount 60% of half", func() Credits { return Credits(50).ApplyBasisPoints(6000) }, Credits(30)},
		{"Round half up", func() Credits { return Credits(5).ApplyBasisPoints(5000) }, Credits(3)},
		{"Identity", func() Credits { return Credits(77).ApplyBasisPoints(10000) }, Credits(77)},
		{"Sum", func() Credits { return Sum(Whole(1), Credits(50), Credits(25)) }, Credits(175)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op(); got != tt.expected {
				t.Errorf("got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMulChecked(t *testing.T) {
	tests := []struct {
		name     string
		credits  Credits
		qty      int64
		expected Credits
		overflow bool
	}{
		{"Small", Credits(50), 3, Credits(150), false},
		{"Zero amount", Credits(0), math.MaxInt64, 0, false},
		{"Zero quantity", Whole(20), 0, 0, false},
		{"Largest exact", Credits(1), math.MaxInt64, Credits(math.MaxInt64), false},
		{"Wraps negative", Credits(50), math.MaxInt64 / 2, 0, true},
		{"Wraps positive", Whole(3), 1 << 62, 0, true},
		{"MinInt by -1", Credits(math.MinInt64), -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.credits.MulChecked(tt.qty)
			if tt.overflow {
				if !errors.Is(err, ErrOverflow) {
					t.Fatalf("MulChecked(%d): got %s, %v; want ErrOverflow", tt.qty, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("MulChecked(%d): unexpected error %v", tt.qty, err)
			}
			if got != tt.expected {
				t.Errorf("MulChecked(%d) = %s, want %s", tt.qty, got, tt.expected)
			}
		})
	}
}

func TestParseCredits(t *testing.T) {
	tests := []struct {
		in      string
		want    Credits
		wantErr bool
	}{
		{"20", Whole(20), false},
		{"0.5", Credits(50), false},
		{".3", Credits(30), false},
		{"1.25", Credits(125), false},
		{"-2", Whole(-2), false},
		{"1.255", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCredits(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCredits(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseCredits(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestCreditsJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Balance Credits `json:"balance"`
	}{Balance: Credits(4550)})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"balance":45.50}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var decoded struct {
		Balance Credits `json:"balance"`
		Quoted  Credits `json:"quoted"`
	}
	if err := json.Unmarshal([]byte(`{"balance":0.3,"quoted":"12"}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Balance != Credits(30) {
		t.Errorf("balance: got %s", decoded.Balance)
	}
	if decoded.Quoted != Whole(12) {
		t.Errorf("quoted: got %s", decoded.Quoted)
	}
}
