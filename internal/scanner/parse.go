package scanner

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

var (
	checkboxRe   = regexp.MustCompile(`^\s*[-*+]\s+\[([ xX])\]\s+(.*)$`)
	dateRe       = regexp.MustCompile(`📅\s*(\d{4}-\d{2}-\d{2})`)
	timeRe       = regexp.MustCompile(`⏰\s*(\d{1,2}:\d{2})`)
	durationRe   = regexp.MustCompile(`⏳\s*(\d+[hm]?(?:\d+m)?)`)
	reminderRe   = regexp.MustCompile(`🔔\s*(\d+)\s*m?`)
	recurrenceRe = regexp.MustCompile(`🔁\s*([^📅⏰⏳🔔#]+)`)
	tagRe        = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_/-]+)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// ParseLine parses one checkbox task line. Lines without a 📅 date are not
// tasks for syncing and report false.
func ParseLine(line string) (schema.TaskRecord, bool) {
	m := checkboxRe.FindStringSubmatch(line)
	if m == nil {
		return schema.TaskRecord{}, false
	}
	body := m[2]

	dm := dateRe.FindStringSubmatch(body)
	if dm == nil {
		return schema.TaskRecord{}, false
	}

	rec := schema.TaskRecord{
		Date:        dm[1],
		RawText:     strings.TrimRight(line, " \t\r"),
		IsCompleted: m[1] != " ",
	}

	if tm := timeRe.FindStringSubmatch(body); tm != nil {
		rec.Time = normalizeClock(tm[1])
	}
	rec.IsAllDay = rec.Time == ""

	if dur := durationRe.FindStringSubmatch(body); dur != nil {
		rec.DurationOverride = parseMinutes(dur[1])
	}
	for _, r := range reminderRe.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.Atoi(r[1]); err == nil {
			rec.ReminderOverrides = append(rec.ReminderOverrides, n)
		}
	}
	if rr := recurrenceRe.FindStringSubmatch(body); rr != nil {
		rec.Recurrence = recurrenceRule(strings.TrimSpace(rr[1]))
	}
	for _, t := range tagRe.FindAllStringSubmatch(body, -1) {
		rec.Tags = append(rec.Tags, t[1])
	}

	title := body
	for _, re := range []*regexp.Regexp{dateRe, timeRe, durationRe, reminderRe, recurrenceRe, tagRe} {
		title = re.ReplaceAllString(title, " ")
	}
	rec.Title = strings.TrimSpace(spaceRe.ReplaceAllString(title, " "))
	if rec.Title == "" {
		return schema.TaskRecord{}, false
	}
	return rec, true
}

// normalizeClock pads "9:05" to "09:05".
func normalizeClock(s string) string {
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

// parseMinutes accepts "45", "45m", "2h" and "1h30m".
func parseMinutes(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return int(d.Minutes())
}

var recurrencePhrases = map[string]string{
	"every day":   "FREQ=DAILY",
	"daily":       "FREQ=DAILY",
	"every week":  "FREQ=WEEKLY",
	"weekly":      "FREQ=WEEKLY",
	"every month": "FREQ=MONTHLY",
	"monthly":     "FREQ=MONTHLY",
	"every year":  "FREQ=YEARLY",
	"yearly":      "FREQ=YEARLY",
}

var weekdays = map[string]string{
	"monday": "MO", "tuesday": "TU", "wednesday": "WE", "thursday": "TH",
	"friday": "FR", "saturday": "SA", "sunday": "SU",
}

func recurrenceRule(text string) string {
	lower := strings.ToLower(text)
	if strings.HasPrefix(strings.ToUpper(text), "FREQ=") || strings.HasPrefix(strings.ToUpper(text), "RRULE:") {
		return strings.TrimPrefix(strings.ToUpper(text), "RRULE:")
	}
	if rule, ok := recurrencePhrases[lower]; ok {
		return rule
	}
	if day, ok := strings.CutPrefix(lower, "every "); ok {
		if code, ok := weekdays[day]; ok {
			return "FREQ=WEEKLY;BYDAY=" + code
		}
	}
	return ""
}
