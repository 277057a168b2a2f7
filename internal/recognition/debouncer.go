package recognition

import (
	"sync"
	"time"
)

// Verdict is the debouncer's outcome for one submitted frame.
type Verdict string

const (
	VerdictRetry     Verdict = "retry"
	VerdictNoMatch   Verdict = "no_match"
	VerdictLowConf   Verdict = "low_confidence"
	VerdictPending   Verdict = "pending_confirmation"
	VerdictConfirmed Verdict = "confirmed"
	VerdictDuplicate Verdict = "duplicate_ignored"
)

// Candidate is one frame's match result from the face matcher. Confidence is
// distance-like: lower means a stronger match.
type Candidate struct {
	Label      int64
	Confidence float64
	Usable     bool
}

// Observation is what the debouncer tells the caller about a frame.
type Observation struct {
	Verdict    Verdict
	Label      int64
	Confidence float64
	Count      int
	Needed     int
	Reason     string
	RetryAfter time.Duration
}

// Config tunes the debouncer.
type Config struct {
	// Confirmations is how many consecutive matching frames confirm an identity.
	Confirmations int
	// NoMatchLimit is how many unusable/no-candidate frames end the session
	// with a terminal no-match.
	NoMatchLimit int
	// StrictThreshold rejects weak candidates; a confidence above it (worse)
	// is low-confidence.
	StrictThreshold float64
	// TTL discards idle sessions.
	TTL time.Duration
	// Cooldown suppresses re-confirmation of the same identity in a session.
	Cooldown time.Duration
}

type session struct {
	label       int64
	matches     int
	noMatches   int
	lastSeen    time.Time
	confirmed   int64
	confirmedAt time.Time
}

// Debouncer folds a stream of per-frame candidates into confirmed identities.
// State is in-memory only and keyed by a client-supplied session id; it never
// touches storage.
type Debouncer struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewDebouncer(cfg Config) *Debouncer {
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 2
	}
	if cfg.NoMatchLimit <= 0 {
		cfg.NoMatchLimit = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	return &Debouncer{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Observe feeds one frame result into the session and returns the verdict.
// A nil candidate means no usable face was produced for the frame.
func (d *Debouncer) Observe(sessionID string, cand *Candidate) Observation {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictLocked(now)

	s := d.sessions[sessionID]
	if s == nil {
		s = &session{}
		d.sessions[sessionID] = s
	}
	s.lastSeen = now

	if cand == nil || !cand.Usable {
		return d.noMatchLocked(s, "no_face")
	}

	if d.cfg.StrictThreshold > 0 && cand.Confidence > d.cfg.StrictThreshold {
		obs := d.noMatchLocked(s, "low_confidence")
		if obs.Verdict == VerdictRetry {
			obs.Verdict = VerdictLowConf
		}
		obs.Label = cand.Label
		obs.Confidence = cand.Confidence
		return obs
	}

	// Cooldown: the same identity was already confirmed on this session.
	if s.confirmed == cand.Label && d.cfg.Cooldown > 0 {
		if since := now.Sub(s.confirmedAt); since < d.cfg.Cooldown {
			return Observation{
				Verdict:    VerdictDuplicate,
				Label:      cand.Label,
				Confidence: cand.Confidence,
				Reason:     "cooldown",
				RetryAfter: d.cfg.Cooldown - since,
			}
		}
	}

	if s.label != cand.Label {
		s.label = cand.Label
		s.matches = 0
	}
	s.matches++
	s.noMatches = 0

	if s.matches < d.cfg.Confirmations {
		return Observation{
			Verdict:    VerdictPending,
			Label:      cand.Label,
			Confidence: cand.Confidence,
			Count:      s.matches,
			Needed:     d.cfg.Confirmations,
		}
	}

	s.confirmed = cand.Label
	s.confirmedAt = now
	s.matches = 0
	s.label = 0
	return Observation{
		Verdict:    VerdictConfirmed,
		Label:      cand.Label,
		Confidence: cand.Confidence,
		Count:      d.cfg.Confirmations,
		Needed:     d.cfg.Confirmations,
	}
}

// noMatchLocked counts a failed frame toward the session's no-match limit.
func (d *Debouncer) noMatchLocked(s *session, reason string) Observation {
	s.matches = 0
	s.label = 0
	if s.noMatches < d.cfg.NoMatchLimit {
		s.noMatches++
	}
	if s.noMatches >= d.cfg.NoMatchLimit {
		s.noMatches = 0
		return Observation{Verdict: VerdictNoMatch, Reason: reason}
	}
	return Observation{
		Verdict: VerdictRetry,
		Reason:  reason,
		Count:   s.noMatches,
		Needed:  d.cfg.NoMatchLimit,
	}
}

func (d *Debouncer) evictLocked(now time.Time) {
	for id, s := range d.sessions {
		if now.Sub(s.lastSeen) > d.cfg.TTL {
			delete(d.sessions, id)
		}
	}
}

// Sessions reports how many live sessions are held.
func (d *Debouncer) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
	return len(d.sessions)
}
