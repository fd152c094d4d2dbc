package task

import "time"

// Deadline is the cooperative half of the timeout model. The envelope enforces
// Hard from the outside; loops inside a shared session check Expired between
// units and return partial results once Hard minus Margin has elapsed.
//
// Work abandoned after the hard timeout may keep running in the background.
// It must only touch state owned by its own session.
type Deadline struct {
	Start  time.Time
	Hard   time.Duration
	Margin time.Duration
	now    func() time.Time
}

// NewDeadline starts a deadline at now.
func NewDeadline(now func() time.Time, hard, margin time.Duration) Deadline {
	if now == nil {
		now = time.Now
	}
	return Deadline{Start: now(), Hard: hard, Margin: margin, now: now}
}

// Unbounded never expires.
func Unbounded() Deadline {
	return Deadline{}
}

// Soft is the point after which no new unit should start.
func (d Deadline) Soft() time.Time {
	return d.Start.Add(d.Hard - d.Margin)
}

// Expired reports whether the soft deadline has passed.
func (d Deadline) Expired() bool {
	if d.Hard <= 0 {
		return false
	}
	return !d.clock().Before(d.Soft())
}

// Remaining returns time left before the soft deadline, or a negative value
// once it has passed. Unbounded deadlines report a very large duration.
func (d Deadline) Remaining() time.Duration {
	if d.Hard <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return d.Soft().Sub(d.clock())
}

func (d Deadline) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}
