package plans

import "testing"

func TestByPriceID(t *testing.T) {
	tests := []struct {
		priceID string
		wantID  string
		found   bool
	}{
		{priceID: "price_coachly_starter_monthly", wantID: "starter", found: true},
		{priceID: "price_coachly_growth_monthly", wantID: "growth", found: true},
		{priceID: "price_coachly_pro_monthly", wantID: "pro", found: true},
		{priceID: "price_unknown", found: false},
		{priceID: "", found: false},
	}

	for _, tt := range tests {
		p, ok := ByPriceID(tt.priceID)
		if ok != tt.found {
			t.Fatalf("ByPriceID(%q) found = %v, want %v", tt.priceID, ok, tt.found)
		}
		if ok && p.ID != tt.wantID {
			t.Fatalf("ByPriceID(%q) = %q, want %q", tt.priceID, p.ID, tt.wantID)
		}
	}
}

func TestByProductID(t *testing.T) {
	for _, p := range All() {
		got, ok := ByProductID(p.ProductID)
		if !ok {
			t.Fatalf("expected product %q to resolve", p.ProductID)
		}
		if got.MonthlyCredits != p.MonthlyCredits || got.AmountCents != p.AmountCents {
			t.Fatalf("product %q resolved to mismatched plan %+v", p.ProductID, got)
		}
	}
	if _, ok := ByProductID("prod_nope"); ok {
		t.Fatalf("expected unknown product to miss")
	}
}

func TestCatalogFixture(t *testing.T) {
	want := map[string]struct {
		credits int64
		cents   int64
	}{
		"starter": {credits: 300, cents: 1900},
		"growth":  {credits: 800, cents: 3900},
		"pro":     {credits: 2000, cents: 7900},
	}

	all := All()
	if len(all) != len(want) {
		t.Fatalf("catalog has %d plans, want %d", len(all), len(want))
	}
	for _, p := range all {
		w, ok := want[p.ID]
		if !ok {
			t.Fatalf("unexpected plan %q", p.ID)
		}
		if p.MonthlyCredits != w.credits || p.AmountCents != w.cents {
			t.Fatalf("plan %q = (%d credits, %d cents), want (%d, %d)",
				p.ID, p.MonthlyCredits, p.AmountCents, w.credits, w.cents)
		}
		if !p.Recurring {
			t.Fatalf("plan %q should be recurring", p.ID)
		}
	}
}
