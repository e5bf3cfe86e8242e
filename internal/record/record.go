// Package record parses lines of the tab-separated impression/click log into
// typed records. Every line carries twelve unsigned integer fields in a fixed
// order, the last of which is the user identifier the index is keyed on.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Delim separates fields within a line.
const Delim = '\t'

// Field identifies a column of the log, in file order.
type Field int

const (
	Click Field = iota
	Impression
	DisplayURL
	AdID
	AdvertiserID
	Depth
	Position
	QueryID
	KeywordID
	TitleID
	DescriptionID
	UserID

	NumFields = int(UserID) + 1
)

var fieldNames = [NumFields]string{
	"click", "impression", "display_url", "ad_id", "advertiser_id",
	"depth", "position", "query_id", "keyword_id", "title_id",
	"description_id", "user_id",
}

// fieldBits is the unsigned width each column is stored in.
var fieldBits = [NumFields]int{16, 32, 64, 32, 16, 8, 8, 32, 32, 32, 32, 32}

func (f Field) String() string {
	if f < 0 || int(f) >= NumFields {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldNames[f]
}

var (
	ErrFieldOutOfRange = errors.New("field out of range")
	ErrInvalidNumber   = errors.New("invalid unsigned integer")
	ErrMalformedRecord = errors.New("malformed record")
)

// Record is one parsed log line. It is a plain value; Offset is the byte
// position of the line it was parsed from.
type Record struct {
	Offset        int64  `json:"offset"`
	Click         uint16 `json:"click"`
	Impression    uint32 `json:"impression"`
	DisplayURL    uint64 `json:"display_url"`
	AdID          uint32 `json:"ad_id"`
	AdvertiserID  uint16 `json:"advertiser_id"`
	Depth         uint8  `json:"depth"`
	Position      uint8  `json:"position"`
	QueryID       uint32 `json:"query_id"`
	KeywordID     uint32 `json:"keyword_id"`
	TitleID       uint32 `json:"title_id"`
	DescriptionID uint32 `json:"description_id"`
	UserID        uint32 `json:"user_id"`
}

// Matches reports whether r is the exact (user, ad, query, position, depth)
// combination.
func (r Record) Matches(user, ad, query uint32, position, depth uint8) bool {
	return r.UserID == user &&
		r.AdID == ad &&
		r.QueryID == query &&
		r.Position == position &&
		r.Depth == depth
}

func (r Record) HasClick() bool {
	return r.Click > 0
}

func (r Record) HasImpression() bool {
	return r.Impression > 0
}

// ParseField extracts a single column from a raw line without parsing the
// rest of it. It walks delimiters up to the requested column and parses the
// digit run that follows. The line may still carry its trailing newline.
// The last column must end the line, so lines Parse would reject for extra
// columns are rejected here too.
func ParseField(line string, field Field) (uint64, error) {
	if field < 0 || int(field) >= NumFields {
		return 0, fmt.Errorf("%w: %s", ErrFieldOutOfRange, field)
	}
	pos := 0
	for seen := 0; seen < int(field); pos++ {
		if pos >= len(line) || line[pos] == '\n' {
			return 0, fmt.Errorf("%w: %s needs %d delimiters, line has %d",
				ErrFieldOutOfRange, field, int(field), seen)
		}
		if line[pos] == Delim {
			seen++
		}
	}
	end := pos
	for end < len(line) && line[end] != Delim && line[end] != '\n' && line[end] != '\r' {
		end++
	}
	if int(field) == NumFields-1 && end < len(line) && line[end] == Delim {
		return 0, fmt.Errorf("%w: more than %d fields", ErrMalformedRecord, NumFields)
	}
	v, err := parseUint(line[pos:end], fieldBits[field])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// ParseUserID extracts the index key of a line.
func ParseUserID(line string) (uint32, error) {
	v, err := ParseField(line, UserID)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Parse decodes a full line. The line must hold exactly NumFields columns.
func Parse(line string, offset int64) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	var vals [NumFields]uint64
	rest := line
	for i := 0; i < NumFields; i++ {
		var col string
		idx := strings.IndexByte(rest, Delim)
		switch {
		case idx >= 0 && i < NumFields-1:
			col, rest = rest[:idx], rest[idx+1:]
		case idx < 0 && i == NumFields-1:
			col, rest = rest, ""
		case idx < 0:
			return Record{}, fmt.Errorf("%w at offset %d: %d fields, want %d",
				ErrMalformedRecord, offset, i+1, NumFields)
		default:
			return Record{}, fmt.Errorf("%w at offset %d: more than %d fields",
				ErrMalformedRecord, offset, NumFields)
		}
		v, err := parseUint(col, fieldBits[i])
		if err != nil {
			return Record{}, fmt.Errorf("%w at offset %d: %s: %w",
				ErrMalformedRecord, offset, Field(i), err)
		}
		vals[i] = v
	}
	return Record{
		Offset:        offset,
		Click:         uint16(vals[Click]),
		Impression:    uint32(vals[Impression]),
		DisplayURL:    vals[DisplayURL],
		AdID:          uint32(vals[AdID]),
		AdvertiserID:  uint16(vals[AdvertiserID]),
		Depth:         uint8(vals[Depth]),
		Position:      uint8(vals[Position]),
		QueryID:       uint32(vals[QueryID]),
		KeywordID:     uint32(vals[KeywordID]),
		TitleID:       uint32(vals[TitleID]),
		DescriptionID: uint32(vals[DescriptionID]),
		UserID:        uint32(vals[UserID]),
	}, nil
}

func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return v, nil
}
