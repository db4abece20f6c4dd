package meshid

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Position is a WGS84 fix as carried in Position and NodeInfo packets.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  float32

	// Radius in meters the fix is known to be within, if given
	Uncertainty *float32
}

// ParseGeoURI reads an RFC 5870 "geo:" URI such as "geo:37.7749,-122.4194,12;u=35".
func ParseGeoURI(uri string) (*Position, error) {
	raw, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return nil, errors.New("invalid geo URI: must start with 'geo:'")
	}
	if i := strings.Index(raw, "?"); i != -1 {
		raw = raw[:i]
	}

	parts := strings.Split(raw, ";")
	coordTokens := strings.Split(parts[0], ",")

	if len(coordTokens) < 2 || len(coordTokens) > 3 {
		return nil, errors.New("expected 2 or 3 coordinates")
	}

	lat, err := strconv.ParseFloat(coordTokens[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(coordTokens[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}

	pos := &Position{Latitude: lat, Longitude: lon}
	if len(coordTokens) == 3 {
		a64, err := strconv.ParseFloat(coordTokens[2], 32)
		if err != nil {
			return nil, fmt.Errorf("invalid altitude: %w", err)
		}
		pos.Altitude = float32(a64)
	}

	for _, p := range parts[1:] {
		key, val, _ := strings.Cut(p, "=")
		key, _ = url.QueryUnescape(key)
		if key != "u" {
			continue
		}
		u64, err := strconv.ParseFloat(val, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid u= uncertainty: %w", err)
		}
		u := float32(u64)
		pos.Uncertainty = &u
	}

	return pos, nil
}

func (p Position) String() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("geo:%.5f,%.5f", p.Latitude, p.Longitude))
	if p.Altitude != 0 {
		builder.WriteString(fmt.Sprintf(",%.3f", p.Altitude))
	}
	if p.Uncertainty != nil {
		builder.WriteString(";u=" + strconv.FormatFloat(float64(*p.Uncertainty), 'f', -1, 32))
	}
	return builder.String()
}

// PrecisionBits maps the uncertainty radius onto the number of significant
// bits Meshtastic keeps in a shared position. Zero means full precision.
func (p Position) PrecisionBits() uint32 {
	if p.Uncertainty == nil {
		return 0
	}

	switch m := *p.Uncertainty; {
	case m >= 23300:
		return 10
	case m >= 11700:
		return 11
	case m >= 5800:
		return 12
	case m >= 2900:
		return 13
	case m >= 1500:
		return 14
	case m >= 729:
		return 15
	case m >= 364:
		return 16
	case m >= 182:
		return 17
	case m >= 91:
		return 18
	case m >= 45:
		return 19
	default:
		return 20
	}
}
