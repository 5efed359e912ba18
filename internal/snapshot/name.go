package snapshot

import "time"

// TimestampLayout renders snapshot timestamps as YYYY-MM-DD_HH-MM-SS.
const TimestampLayout = "2006-01-02_15-04-05"

func FormatTimestamp(t time.Time) string {
	return t.In(time.Local).Format(TimestampLayout)
}

// ParseTimestamp parses a timestamp rendered by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// Name builds the fully qualified snapshot name <dataset>@<prefix><timestamp>.
func Name(dataset, prefix string, t time.Time) string {
	return SelectorPrefix(dataset, prefix) + FormatTimestamp(t)
}

// SelectorPrefix is the part shared by every snapshot this tool manages for dataset.
func SelectorPrefix(dataset, prefix string) string {
	return dataset + "@" + prefix
}
