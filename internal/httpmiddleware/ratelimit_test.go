package httpmiddleware

import "testing"

func TestLimiterExhaustsBurst(t *testing.T) {
	l := NewPerIPLimiter(3, 60)
	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Error("request allowed past capacity")
	}
}

func TestLimiterIsolatesClients(t *testing.T) {
	l := NewPerIPLimiter(1, 60)
	if !l.allow("10.0.0.1") {
		t.Fatal("first client denied")
	}
	if !l.allow("10.0.0.2") {
		t.Error("second client throttled by first client's bucket")
	}
}

func TestLimiterDefaultsCapacityToRate(t *testing.T) {
	l := NewPerIPLimiter(0, 5)
	for i := 0; i < 5; i++ {
		if !l.allow("kiosk") {
			t.Fatalf("request %d denied, capacity should default to rate", i+1)
		}
	}
	if l.allow("kiosk") {
		t.Error("request allowed past defaulted capacity")
	}
}
