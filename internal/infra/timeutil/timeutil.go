// Package timeutil разбирает таймзоны конфигурации и время сводок ("HH:MM")
// и считает ближайший запуск ежедневного расписания.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// offsetRe — "+3", "-0700", "+03:00" после снятия префикса UTC/GMT.
var offsetRe = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

const (
	maxOffsetHours = 14
	clockLayout    = "15:04"
)

// ParseLocation принимает IANA-имя ("Asia/Shanghai") или UTC-смещение
// ("+03:00", "UTC+3", "GMT-04:30", "Z").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := parseOffset(v); ok {
		return loc, nil
	}
	return nil, errors.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

func parseOffset(value string) (*time.Location, bool) {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch v {
	case "Z", "UTC", "GMT":
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v, "UTC"), "GMT"))

	m := offsetRe.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	hours, _ := strconv.Atoi(m[2])
	mins := 0
	if m[3] != "" {
		mins, _ = strconv.Atoi(m[3])
	}
	if hours > maxOffsetHours || mins > 59 {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	offset := sign * int((time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute).Seconds())
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins), offset), true
}

// ParseClock разбирает "HH:MM" (ровно две цифры на часы и минуты).
func ParseClock(value string) (hour, minute int, err error) {
	v := strings.TrimSpace(value)
	t, err := time.Parse(clockLayout, v)
	if err != nil || len(v) != len(clockLayout) {
		return 0, 0, errors.Errorf("invalid clock value %q: expected HH:MM", value)
	}
	return t.Hour(), t.Minute(), nil
}

// NextDailyRun возвращает ближайший момент строго после now, когда часы в
// loc покажут clock. Переход на летнее время учитывает time.Date.
func NextDailyRun(now time.Time, clock string, loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next, nil
}
