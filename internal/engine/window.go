package engine

import (
	"errors"
	"fmt"
	"time"
)

// Window is the daily local-time range [StartHour, EndHour) in which
// automated messages may go out.
type Window struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (w Window) validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("window start hour %d out of range", w.StartHour)
	}
	if w.EndHour <= w.StartHour || w.EndHour > 24 {
		return fmt.Errorf("window end hour %d must be in (%d, 24]", w.EndHour, w.StartHour)
	}
	if w.Location == nil {
		return errors.New("window location must not be nil")
	}
	return nil
}

// Length is the in-window time available each day.
func (w Window) Length() time.Duration {
	return time.Duration(w.EndHour-w.StartHour) * time.Hour
}

func (w Window) Contains(t time.Time) bool {
	lt := t.In(w.Location)
	return !lt.Before(w.opening(lt, 0)) && lt.Before(w.closing(lt))
}

// Snap returns t when it falls inside the window, otherwise the next opening.
func (w Window) Snap(t time.Time) time.Time {
	lt := t.In(w.Location)
	if open := w.opening(lt, 0); lt.Before(open) {
		return open.In(t.Location())
	}
	if !lt.Before(w.closing(lt)) {
		return w.opening(lt, 1).In(t.Location())
	}
	return t
}

// NextDayOpening returns the window opening on the calendar day after t.
func (w Window) NextDayOpening(t time.Time) time.Time {
	return w.opening(t.In(w.Location), 1).In(t.Location())
}

// Add advances d of in-window time from start. The result is strictly
// increasing in d, so distinct offsets never collapse onto one instant.
func (w Window) Add(start time.Time, d time.Duration) time.Time {
	cur := w.Snap(start)
	for d > 0 {
		closeAt := w.closing(cur.In(w.Location))
		avail := closeAt.Sub(cur)
		if d < avail {
			return cur.Add(d)
		}
		d -= avail
		cur = w.Snap(closeAt).In(start.Location())
	}
	return cur
}

func (w Window) opening(lt time.Time, addDays int) time.Time {
	y, m, d := lt.Date()
	return time.Date(y, m, d+addDays, w.StartHour, 0, 0, 0, w.Location)
}

func (w Window) closing(lt time.Time) time.Time {
	y, m, d := lt.Date()
	return time.Date(y, m, d, w.EndHour, 0, 0, 0, w.Location)
}
