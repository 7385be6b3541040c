package calendar

import "time"

// MarketHours is the regular trading session of an exchange.
type MarketHours struct {
	Location    *time.Location
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	Holidays    HolidayCalendar
}

// NYSE returns the 09:30-16:00 New York session with US market holidays.
func NYSE() MarketHours {
	return MarketHours{
		Location:    newYork,
		OpenHour:    9,
		OpenMinute:  30,
		CloseHour:   16,
		CloseMinute: 0,
		Holidays:    USMarketHolidays{},
	}
}

// IsOpen reports whether t is inside the session: open <= t < close on a business day.
func (m MarketHours) IsOpen(t time.Time) bool {
	loc := m.Location
	if loc == nil {
		loc = newYork
	}
	local := t.In(loc)
	if !IsBusinessDay(local, m.Holidays) {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	open := m.OpenHour*60 + m.OpenMinute
	closing := m.CloseHour*60 + m.CloseMinute
	return minutes >= open && minutes < closing
}

// IsMarketOpen is NYSE().IsOpen(t).
func IsMarketOpen(t time.Time) bool {
	return NYSE().IsOpen(t)
}
