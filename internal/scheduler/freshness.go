package scheduler

import "time"

// Class is a freshness class controlling how soon a URL is revisited.
type Class int

// Freshness classes, most frequent first.
const (
	Hourly Class = iota
	Daily
	Weekly
	Monthly
)

func (c Class) String() string {
	switch c {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// Interval returns the revisit delay for the class.
func (c Class) Interval() time.Duration {
	switch c {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Promote moves one class toward more frequent revisits.
func (c Class) Promote() Class {
	if c > Hourly {
		return c - 1
	}
	return c
}

// Demote moves one class toward less frequent revisits.
func (c Class) Demote() Class {
	if c < Monthly {
		return c + 1
	}
	return c
}

// FreshnessPolicy decides the next freshness class for a URL after a visit.
type FreshnessPolicy interface {
	Assess(current Class, changed bool) Class
}

// ChangePolicy promotes a URL one class when its content changed since the
// last visit and demotes it one class when it did not.
type ChangePolicy struct{}

// Assess implements FreshnessPolicy.
func (ChangePolicy) Assess(current Class, changed bool) Class {
	if changed {
		return current.Promote()
	}
	return current.Demote()
}

// Reschedule enqueues a recrawl of url with not-before set by the freshness
// class interval. It reports whether the frontier accepted the entry.
func (f *Frontier) Reschedule(url string, depth int, priority float64, class Class) bool {
	return f.EnqueueAt(url, depth, priority, f.clock.Now().Add(class.Interval()))
}
