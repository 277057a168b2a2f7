package recognition

import (
	"testing"
	"time"
)

func newTestDebouncer(now *time.Time) *Debouncer {
	d := NewDebouncer(Config{
		Confirmations:   2,
		NoMatchLimit:    3,
		StrictThreshold: 50,
		TTL:             10 * time.Second,
		Cooldown:        2 * time.Minute,
	})
	d.now = func() time.Time { return *now }
	return d
}

func TestConfirmationSequence(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	obs := d.Observe("s1", &Candidate{Label: 7, Confidence: 40, Usable: true})
	if obs.Verdict != VerdictPending {
		t.Fatalf("first frame verdict = %s, want pending", obs.Verdict)
	}
	if obs.Count != 1 || obs.Needed != 2 {
		t.Fatalf("pending counts = %d/%d, want 1/2", obs.Count, obs.Needed)
	}

	now = now.Add(time.Second)
	obs = d.Observe("s1", &Candidate{Label: 7, Confidence: 38, Usable: true})
	if obs.Verdict != VerdictConfirmed {
		t.Fatalf("second frame verdict = %s, want confirmed", obs.Verdict)
	}
	if obs.Label != 7 {
		t.Fatalf("confirmed label = %d", obs.Label)
	}
}

func TestIdentitySwitchResetsCount(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	d.Observe("s1", &Candidate{Label: 7, Confidence: 40, Usable: true})
	obs := d.Observe("s1", &Candidate{Label: 9, Confidence: 41, Usable: true})
	if obs.Verdict != VerdictPending || obs.Count != 1 {
		t.Fatalf("switched identity verdict = %s count %d, want pending 1", obs.Verdict, obs.Count)
	}
}

func TestNoMatchThreshold(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	for i := 1; i <= 2; i++ {
		obs := d.Observe("s1", nil)
		if obs.Verdict != VerdictRetry {
			t.Fatalf("frame %d verdict = %s, want retry", i, obs.Verdict)
		}
	}
	obs := d.Observe("s1", nil)
	if obs.Verdict != VerdictNoMatch {
		t.Fatalf("third bad frame verdict = %s, want no_match", obs.Verdict)
	}
	// Counter reset after the terminal verdict.
	if obs = d.Observe("s1", nil); obs.Verdict != VerdictRetry {
		t.Fatalf("after reset verdict = %s, want retry", obs.Verdict)
	}
}

func TestLowConfidenceCountsTowardNoMatch(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	weak := &Candidate{Label: 7, Confidence: 80, Usable: true}
	if obs := d.Observe("s1", weak); obs.Verdict != VerdictLowConf {
		t.Fatalf("weak frame verdict = %s, want low_confidence", obs.Verdict)
	}
	d.Observe("s1", weak)
	if obs := d.Observe("s1", weak); obs.Verdict != VerdictNoMatch {
		t.Fatalf("third weak frame verdict = %s, want no_match", obs.Verdict)
	}
}

func TestCooldownSuppressesReconfirmation(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	good := &Candidate{Label: 7, Confidence: 40, Usable: true}
	d.Observe("s1", good)
	if obs := d.Observe("s1", good); obs.Verdict != VerdictConfirmed {
		t.Fatalf("setup confirm failed: %s", obs.Verdict)
	}

	now = now.Add(5 * time.Second)
	obs := d.Observe("s1", good)
	if obs.Verdict != VerdictDuplicate {
		t.Fatalf("within cooldown verdict = %s, want duplicate_ignored", obs.Verdict)
	}
	if obs.RetryAfter <= 0 {
		t.Fatalf("duplicate retry-after = %v", obs.RetryAfter)
	}
}

func TestSessionTTLEviction(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	d := newTestDebouncer(&now)

	d.Observe("s1", &Candidate{Label: 7, Confidence: 40, Usable: true})
	if d.Sessions() != 1 {
		t.Fatalf("sessions = %d, want 1", d.Sessions())
	}

	now = now.Add(11 * time.Second)
	if d.Sessions() != 0 {
		t.Fatalf("sessions after ttl = %d, want 0", d.Sessions())
	}

	// A fresh frame after expiry starts the count over.
	obs := d.Observe("s1", &Candidate{Label: 7, Confidence: 40, Usable: true})
	if obs.Verdict != VerdictPending || obs.Count != 1 {
		t.Fatalf("post-expiry verdict = %s count %d, want pending 1", obs.Verdict, obs.Count)
	}
}
