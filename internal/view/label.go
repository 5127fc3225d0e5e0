package view

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// TodayLabel is the label of the group holding today's messages.
const TodayLabel = "Today"

// DayLabeler names day groups.
type DayLabeler interface {
	// Location is the time zone days are bucketed in.
	Location() *time.Location
	// Label names day; today is the current local date. Both are midnight
	// in Location.
	Label(day, today time.Time) string
}

// DefaultLabeler formats en-US dates in the local time zone.
var DefaultLabeler DayLabeler = NewLocaleLabeler(language.AmericanEnglish, time.Local)

// monthFirst lists regions that write the month before the day.
var monthFirst = map[string]bool{
	"US": true,
	"PH": true,
	"FM": true,
	"MH": true,
	"PW": true,
}

// LocaleLabeler labels days as "Today", or as a date with the year omitted
// inside the current year. Month names are always English; the locale's
// region only picks month-first ("March 2") or day-first ("2 March") order.
type LocaleLabeler struct {
	tag        language.Tag
	loc        *time.Location
	monthFirst bool
}

// NewLocaleLabeler creates a labeler for tag. loc defaults to time.Local.
func NewLocaleLabeler(tag language.Tag, loc *time.Location) *LocaleLabeler {
	if loc == nil {
		loc = time.Local
	}
	region, _ := tag.Region()
	return &LocaleLabeler{tag: tag, loc: loc, monthFirst: monthFirst[region.String()]}
}

// ParseLocale builds a labeler from a BCP 47 string such as "en-US" or "pt-BR".
func ParseLocale(s string, loc *time.Location) (*LocaleLabeler, error) {
	tag, err := language.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse locale %q: %w", s, err)
	}
	return NewLocaleLabeler(tag, loc), nil
}

// Tag returns the locale.
func (l *LocaleLabeler) Tag() language.Tag { return l.tag }

// Location implements DayLabeler.
func (l *LocaleLabeler) Location() *time.Location { return l.loc }

// Label implements DayLabeler.
func (l *LocaleLabeler) Label(day, today time.Time) string {
	if day.Equal(today) {
		return TodayLabel
	}
	sameYear := day.Year() == today.Year()
	switch {
	case l.monthFirst && sameYear:
		return day.Format("January 2")
	case l.monthFirst:
		return day.Format("January 2, 2006")
	case sameYear:
		return day.Format("2 January")
	default:
		return day.Format("2 January 2006")
	}
}
