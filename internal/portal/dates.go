package portal

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// Location is the zone the portal reports local timestamps in.
var Location = loadLocation("America/Santiago")

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"02-01-2006 15:04:05",
	"02-01-2006",
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseTime reads a portal timestamp. Values without a zone are taken as
// Location. Empty or unknown formats return nil.
func ParseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, Location); err == nil {
			return &t
		}
	}
	return nil
}

// ParseAmount reads a monetary amount. Unparsable values are invalid.
func ParseAmount(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.Round(2))
}
