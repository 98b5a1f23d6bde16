package clock

import "time"

// Location is the bot's wall-clock zone. All user-facing dates and reminder
// times are UTC+8.
var Location = time.FixedZone("UTC+8", 8*60*60)

const (
	DateLayout     = "2006-01-02"
	MinuteLayout   = "15:04"
	DateTimeLayout = "2006-01-02 15:04:05"
)

// Now returns the current time in UTC+8.
func Now() time.Time {
	return time.Now().In(Location)
}

// Today returns today's date string in UTC+8.
func Today() string {
	return Now().Format(DateLayout)
}
