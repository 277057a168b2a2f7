package schedule

import (
	"fmt"
	"time"
)

// Clock is a time of day expressed as seconds since midnight.
type Clock int

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	var h, m, sec int
	switch n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); n {
	case 2, 3:
	default:
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return Clock(h*3600 + m*60 + sec), nil
}

// ClockOf extracts the time of day from a timestamp.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, (int(c)%3600)/60, int(c)%60)
}

// Minutes returns the clock value truncated to whole minutes.
func (c Clock) Minutes() int { return int(c) / 60 }

// AddMinutes returns the clock shifted forward by n minutes.
func (c Clock) AddMinutes(n int) Clock {
	if n < 0 {
		n = 0
	}
	return c + Clock(n*60)
}

// Phase classifies a time of day against the shift windows.
type Phase int

const (
	PhaseOutside Phase = iota
	PhaseAM
	PhaseLunch
	PhasePM
)

func (p Phase) String() string {
	switch p {
	case PhaseAM:
		return "am"
	case PhaseLunch:
		return "lunch"
	case PhasePM:
		return "pm"
	default:
		return "outside"
	}
}

// Policy holds the shift windows and attendance cutoffs for a working day.
// All methods are pure; Policy carries no mutable state.
type Policy struct {
	AMStart Clock
	AMEnd   Clock
	PMStart Clock
	PMEnd   Clock

	GraceMinutes    int
	AutoCloseCutoff Clock
	AbsenceCutoff   Clock
}

// Validate rejects malformed schedule bounds. Called once at startup;
// a failure here is fatal, never per-request.
func (p Policy) Validate() error {
	if p.AMStart >= p.AMEnd {
		return fmt.Errorf("am window inverted: %s >= %s", p.AMStart, p.AMEnd)
	}
	if p.AMEnd > p.PMStart {
		return fmt.Errorf("lunch gap inverted: %s > %s", p.AMEnd, p.PMStart)
	}
	if p.PMStart >= p.PMEnd {
		return fmt.Errorf("pm window inverted: %s >= %s", p.PMStart, p.PMEnd)
	}
	if p.GraceMinutes < 0 {
		return fmt.Errorf("negative grace minutes: %d", p.GraceMinutes)
	}
	if p.AutoCloseCutoff < p.PMEnd {
		return fmt.Errorf("auto-close cutoff %s precedes pm end %s", p.AutoCloseCutoff, p.PMEnd)
	}
	return nil
}

// PhaseAt maps a time of day to its shift phase.
func (p Policy) PhaseAt(c Clock) Phase {
	switch {
	case c >= p.AMStart && c < p.AMEnd:
		return PhaseAM
	case c >= p.AMEnd && c < p.PMStart:
		return PhaseLunch
	case c >= p.PMStart && c < p.PMEnd:
		return PhasePM
	default:
		return PhaseOutside
	}
}

// InWorkingHours reports whether the time falls inside the AM or PM window.
func (p Policy) InWorkingHours(c Clock) bool {
	ph := p.PhaseAt(c)
	return ph == PhaseAM || ph == PhasePM
}

// ShiftStart returns the scheduled start that applies to a scan: PM start
// when the scan lands in the PM window, AM start otherwise.
func (p Policy) ShiftStart(c Clock) Clock {
	if p.PhaseAt(c) == PhasePM {
		return p.PMStart
	}
	return p.AMStart
}

// Lateness returns minutes late after the grace period, or 0 when the scan
// is on time. One minute past grace expiry yields 1.
func (p Policy) Lateness(scan, scheduledStart Clock, graceMinutes int) int {
	late := scan.Minutes() - scheduledStart.Minutes() - graceMinutes
	if late < 0 {
		return 0
	}
	return late
}

// LunchOverlapMinutes returns how many minutes of [in, out] fall inside the
// lunch gap.
func (p Policy) LunchOverlapMinutes(in, out Clock) int {
	lo, hi := p.AMEnd, p.PMStart
	if in > lo {
		lo = in
	}
	if out < hi {
		hi = out
	}
	if hi <= lo {
		return 0
	}
	return int(hi-lo) / 60
}

// WorkedMinutes returns minutes worked between time-in and time-out with the
// lunch-gap overlap subtracted.
func (p Policy) WorkedMinutes(in, out Clock) int {
	if out <= in {
		return 0
	}
	w := int(out-in)/60 - p.LunchOverlapMinutes(in, out)
	if w < 0 {
		return 0
	}
	return w
}

// ScheduledMinutes returns the scheduled working minutes between start and
// end, lunch excluded.
func (p Policy) ScheduledMinutes(start, end Clock) int {
	return p.WorkedMinutes(start, end)
}

// Undertime returns the shortfall against the scheduled total, never negative.
func (p Policy) Undertime(worked, scheduled int) int {
	if u := scheduled - worked; u > 0 {
		return u
	}
	return 0
}
