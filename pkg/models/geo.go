package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	// Lat is the latitude in degrees, -90..90.
	Lat float64 `json:"lat" yaml:"lat"`
	// Lon is the longitude in degrees, -180..180.
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid returns true if both components are within range.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// String formats the position as "lat,lon".
func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// UnmarshalJSON accepts "lon", "long" or "lng" for the longitude.
func (c *Coordinates) UnmarshalJSON(data []byte) error {
	var aux struct {
		Lat  *float64 `json:"lat"`
		Lon  *float64 `json:"lon"`
		Long *float64 `json:"long"`
		Lng  *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Lat == nil {
		return fmt.Errorf("coordinates: missing lat")
	}
	lon := aux.Lon
	if lon == nil {
		lon = aux.Long
	}
	if lon == nil {
		lon = aux.Lng
	}
	if lon == nil {
		return fmt.Errorf("coordinates: missing lon")
	}
	c.Lat, c.Lon = *aux.Lat, *lon
	return nil
}

// Timestamp is a point in time that decodes from either an RFC 3339 string
// or a unix timestamp in seconds. It always encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// MarshalJSON encodes the time as an RFC 3339 string in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON decodes RFC 3339 strings and unix seconds (integer or fractional).
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if secs, err := strconv.ParseFloat(str, 64); err == nil {
			t.Time = fromUnixSeconds(secs)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			// naive ISO timestamps without offset are treated as UTC
			parsed, err = time.Parse("2006-01-02T15:04:05.999999999", str)
			if err != nil {
				return fmt.Errorf("timestamp %q: %w", str, err)
			}
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", s, err)
	}
	t.Time = fromUnixSeconds(secs)
	return nil
}

func fromUnixSeconds(secs float64) time.Time {
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * 1e9)
	return time.Unix(whole, nanos).UTC()
}

// FlexID is an identifier that decodes from either a JSON string or number.
type FlexID string

// UnmarshalJSON accepts strings and numbers.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = FlexID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}
