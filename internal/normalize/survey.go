package normalize

import (
	"errors"

	"github.com/goccy/go-json"
)

var errNotObject = errors.New("survey section is not an object")

// Flags are the denormalized answers cached next to a visit response
type Flags struct {
	Converted      int
	AlreadyBetting int

	// Parsed is false when the payload could not be read at all. Both flags
	// are 0 in that case, which looks the same as two "no" answers.
	Parsed bool
}

// Survey derives the conversion and competitor-betting flags from a visit
// response payload. Malformed payloads never fail: they yield zero flags.
func Survey(payload string) Flags {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil || doc == nil {
		return Flags{}
	}

	converted, err := answer(doc, "conversion", "converted")
	if err != nil {
		return Flags{}
	}
	betting, err := answer(doc, "bettingInfo", "isBettingSomewhere")
	if err != nil {
		return Flags{}
	}

	return Flags{
		Converted:      yes(converted),
		AlreadyBetting: yes(betting),
		Parsed:         true,
	}
}

// answer reads doc[section][key]. A missing section reads as no answer,
// a section holding anything but an object is an error.
func answer(doc map[string]any, section, key string) (any, error) {
	raw, ok := doc[section]
	if !ok {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj[key], nil
}

func yes(v any) int {
	if s, ok := v.(string); ok && s == "yes" {
		return 1
	}
	return 0
}
