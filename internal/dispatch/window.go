package dispatch

import "time"

// DueWindow returns [now, end of tomorrow] in loc. The end is the last
// instant of the day after now's calendar day.
func DueWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.Date()
	end := time.Date(y, m, d+2, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
	return now, end
}
