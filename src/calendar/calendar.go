// Package calendar answers business-day and market-hours questions in New York time.
package calendar

import (
	"time"
)

const (
	DaysPerWeek          = 7
	ThirdMondayOffset    = 2
	FourthThursdayOffset = 3
	LastMondayOffset     = -1
)

// HolidayCalendar reports non-trading weekdays.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// WeekendsOnly treats every weekday as a business day.
type WeekendsOnly struct{}

func (WeekendsOnly) IsHoliday(time.Time) bool { return false }

// USMarketHolidays applies the NYSE full-day holiday rules with weekend observance:
// Saturday holidays close the Friday before, Sunday holidays the Monday after.
type USMarketHolidays struct{}

func (USMarketHolidays) IsHoliday(t time.Time) bool {
	et := NewYorkTime(t)
	return isDateAmong(et, usHolidays(et.Year()))
}

var newYork = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewYork returns the America/New_York location, or UTC when tzdata is missing.
func NewYork() *time.Location {
	return newYork
}

// NewYorkTime converts t to New York wall-clock time.
func NewYorkTime(t time.Time) time.Time {
	return t.In(newYork)
}

// IsBusinessDay reports whether t falls, in New York, on a weekday that cal does not
// mark as a holiday.
func IsBusinessDay(t time.Time, cal HolidayCalendar) bool {
	t = NewYorkTime(t)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if cal == nil {
		return true
	}
	return !cal.IsHoliday(t)
}

// AddBusinessDays moves t forward n business days keeping its wall-clock time.
func AddBusinessDays(t time.Time, n int, cal HolidayCalendar) time.Time {
	out := t
	for added := 0; added < n; {
		out = out.AddDate(0, 0, 1)
		if IsBusinessDay(out, cal) {
			added++
		}
	}
	return out
}

// SettlementDate returns the settlement instant of a trade made at t.
func SettlementDate(t time.Time, days int, cal HolidayCalendar) time.Time {
	return AddBusinessDays(t, days, cal)
}

// TradingDay returns the New York calendar date of t as YYYY-MM-DD.
func TradingDay(t time.Time) string {
	return NewYorkTime(t).Format("2006-01-02")
}

func usHolidays(year int) []time.Time {
	holidays := []time.Time{
		observed(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)),
		calculateSpecificWeekday(year, time.January, time.Monday, ThirdMondayOffset),
		calculateSpecificWeekday(year, time.February, time.Monday, ThirdMondayOffset),
		goodFriday(year),
		calculateSpecificWeekday(year, time.May, time.Monday, LastMondayOffset),
		observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)),
		calculateSpecificWeekday(year, time.September, time.Monday, 0),
		calculateSpecificWeekday(year, time.November, time.Thursday, FourthThursdayOffset),
		observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)),
	}
	if year >= 2022 {
		holidays = append(holidays, observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC)))
	}
	return holidays
}

func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// calculateSpecificWeekday returns the nth (0-based) given weekday of a month,
// or the last one when offset is LastMondayOffset.
func calculateSpecificWeekday(year int, month time.Month, day time.Weekday, offset int) time.Time {
	if offset < 0 {
		last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
		back := int(last.Weekday()-day+DaysPerWeek) % DaysPerWeek
		return last.AddDate(0, 0, -back)
	}
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	shift := int(day-firstOfMonth.Weekday()+DaysPerWeek) % DaysPerWeek
	return firstOfMonth.AddDate(0, 0, shift+offset*DaysPerWeek)
}

// goodFriday uses the anonymous Gregorian computus for Easter Sunday.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}

// isDateAmong checks if the given date matches any date in the list.
func isDateAmong(t time.Time, dates []time.Time) bool {
	for _, d := range dates {
		if t.Format("2006-01-02") == d.Format("2006-01-02") {
			return true
		}
	}
	return false
}
