package risk

import "testing"

func TestGetMaxRoundPayout(t *testing.T) {
	cases := []struct {
		name    string
		ratio   string
		pool    int64
		want    int64
		wantErr bool
	}{
		{"ratio half of pool", "0.5", 1_000_00, 500_00, false},
		{"ratio one caps at pool", "1", 1_000_00, 1_000_00, false},
		{"absolute figure above one", "250000", 1_000_00, 250000, false},
		{"negative ratio floors at zero", "-0.2", 1_000_00, 0, false},
		{"unparseable", "not-a-number", 1_000_00, 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := GetMaxRoundPayout(c.ratio, c.pool)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %d, want %d", got, c.want)
			}
		})
	}
}

func TestAssessBet(t *testing.T) {
	t.Run("rejects non-positive multiplier", func(t *testing.T) {
		a := AssessBet(0, 100000, 500, 0, 10000)
		if a.Allowed {
			t.Error("expected disallowed for zero multiplier")
		}
	})

	t.Run("allows bet within headroom", func(t *testing.T) {
		a := AssessBet(0, 100000, 500, 2.0, 10000)
		if !a.Allowed {
			t.Errorf("expected allowed, got %+v", a)
		}
		if a.ProjectedPayout != 1000 {
			t.Errorf("projected payout = %v, want 1000", a.ProjectedPayout)
		}
	})

	t.Run("rejects bet exceeding pool headroom", func(t *testing.T) {
		a := AssessBet(99000, 100000, 5000, 2.0, 1000000)
		if a.Allowed {
			t.Errorf("expected disallowed, got %+v", a)
		}
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		a := AssessBet(0, 100000, 0, 2.0, 10000)
		if a.Allowed {
			t.Error("expected disallowed for zero amount")
		}
	})
}

func TestToInt64AndToFloat64(t *testing.T) {
	if v := toInt64(int64(5)); v != 5 {
		t.Errorf("toInt64(int64) = %d, want 5", v)
	}
	if v := toInt64("7"); v != 7 {
		t.Errorf("toInt64(string) = %d, want 7", v)
	}
	if v := toFloat64("3.5"); v != 3.5 {
		t.Errorf("toFloat64(string) = %v, want 3.5", v)
	}
	if v := toFloat64(int64(4)); v != 4 {
		t.Errorf("toFloat64(int64) = %v, want 4", v)
	}
}
