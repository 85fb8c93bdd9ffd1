// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tzdata builds the platform timezone descriptors the wire
// protocol carries with every calendar item, and reverse-matches an
// incoming descriptor back to a local timezone identity.
package tzdata

import (
	"time"
)

// A Rule describes one side of the annual standard↔daylight
// transition as the wire format models it: the Nth occurrence of a
// weekday in a month, at a local wall-clock time.  Week 5 means the
// last occurrence.  A zero Month means the zone has no transition.
type Rule struct {
	Month     int
	DayOfWeek int // 0 = Sunday
	Week      int // 1..4, or 5 for last
	Hour      int
	Minute    int
	Second    int
}

// IsZero reports an absent rule.
func (r Rule) IsZero() bool { return r.Month == 0 }

// A Descriptor carries everything the wire timezone blob encodes.
// Bias is in minutes with the wire's sign convention: UTC = local
// time + Bias.  StdBias and DstBias are added to Bias while the
// respective rule is in effect (DstBias is typically -60).
type Descriptor struct {
	Bias    int
	StdName string
	StdRule Rule
	StdBias int
	DstName string
	DstRule Rule
	DstBias int
}

// IsZero reports the documented "no data" sentinel: an all-zero
// descriptor, which callers replace with the process default zone.
func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

// StdOffset is the standard-time UTC offset in minutes east of
// Greenwich (the inverse sign of the wire bias).
func (d Descriptor) StdOffset() int { return -(d.Bias + d.StdBias) }

// DstOffset is the daylight-time UTC offset in minutes east of
// Greenwich.
func (d Descriptor) DstOffset() int { return -(d.Bias + d.DstBias) }

// Describe builds a descriptor for a zone from its transitions in the
// given year.  Descriptors are pure functions of (zone, year); the
// Tables cache memoizes them per zone.
func Describe(loc *time.Location, year int) Descriptor {
	janOff := offsetAt(time.Date(year, time.January, 15, 12, 0, 0, 0, time.UTC), loc)
	julOff := offsetAt(time.Date(year, time.July, 15, 12, 0, 0, 0, time.UTC), loc)

	name := loc.String()
	if janOff == julOff {
		return Descriptor{
			Bias:    -janOff,
			StdName: name,
			DstName: name,
		}
	}

	std, dst := janOff, julOff
	if std > dst {
		std, dst = dst, std
	}
	d := Descriptor{
		Bias:    -std,
		StdName: name,
		DstName: name,
		DstBias: -(dst - std),
	}

	// Walk the year for the two transition instants.  The rule for
	// entering an offset is expressed in the wall clock of the
	// offset being left.
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		to := from.AddDate(0, 6, 0)
		tr, ok := findTransition(loc, from, to)
		if !ok {
			break
		}
		rule := ruleAt(loc, tr)
		if offsetAt(tr, loc) == std {
			d.StdRule = rule
		} else {
			d.DstRule = rule
		}
		from = to
	}
	return d
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off / 60
}

// findTransition bisects to the first instant in (from, to] whose
// offset differs from the offset at from, to one-second precision.
func findTransition(loc *time.Location, from, to time.Time) (time.Time, bool) {
	base := offsetAt(from, loc)
	if offsetAt(to, loc) == base {
		return time.Time{}, false
	}
	lo, hi := from, to
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if offsetAt(mid, loc) == base {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, true
}

// ruleAt converts a transition instant into the wire's annual rule,
// expressed in the wall clock that was in effect just before the
// transition.
func ruleAt(loc *time.Location, tr time.Time) Rule {
	before := tr.Add(-time.Second).In(loc)
	_, preOff := before.Zone()
	wall := tr.In(time.FixedZone("", preOff))

	week := (wall.Day()-1)/7 + 1
	if wall.Day()+7 > daysInMonth(wall.Year(), wall.Month()) {
		week = 5 // last occurrence of this weekday
	}
	return Rule{
		Month:     int(wall.Month()),
		DayOfWeek: int(wall.Weekday()),
		Week:      week,
		Hour:      wall.Hour(),
		Minute:    wall.Minute(),
		Second:    wall.Second(),
	}
}

func daysInMonth(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
