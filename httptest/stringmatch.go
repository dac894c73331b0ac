package httptest

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
)

type MatchAction string

const (
	MatchActionFirst MatchAction = "FIRST"
	MatchActionAny   MatchAction = "ANY"
	MatchActionAll   MatchAction = "ALL"
)

// StringMatch matches one or more values. Exactly one of the matchers is expected to be set.
type StringMatch struct {
	Exact       *string     `json:"exact"`
	Absent      *bool       `json:"absent"`
	Regex       *string     `json:"regex"`
	Contains    *string     `json:"contains"`
	MatchAction MatchAction `json:"matchAction"`
}

func (sm StringMatch) Assert(t *testing.T, values ...string) bool {
	t.Helper()
	switch sm.MatchAction {
	case "", MatchActionFirst:
		var value string
		if len(values) > 0 {
			value = values[0]
		}
		return sm.match(t, value)
	case MatchActionAny:
		for _, value := range values {
			if sm.match(t, value) {
				return true
			}
		}
		return false
	case MatchActionAll:
		if len(values) == 0 {
			return false
		}
		for _, value := range values {
			if !sm.match(t, value) {
				return false
			}
		}
		return true
	}
	return false
}

func (sm *StringMatch) MatchType() string {
	switch {
	case sm.Exact != nil:
		return "exact"
	case sm.Absent != nil:
		return "absent"
	case sm.Regex != nil:
		return "regex"
	case sm.Contains != nil:
		return "contains"
	}
	return ""
}

func (sm *StringMatch) MatchValue() string {
	switch {
	case sm.Exact != nil:
		return *sm.Exact
	case sm.Absent != nil:
		return fmt.Sprintf("%t", *sm.Absent)
	case sm.Regex != nil:
		return *sm.Regex
	case sm.Contains != nil:
		return *sm.Contains
	}

	return ""
}

func (sm *StringMatch) match(t *testing.T, value string) bool {
	switch {
	case sm.Absent != nil:
		if *sm.Absent {
			return value == ""
		}
		return value != ""
	case sm.Exact != nil:
		return value == *sm.Exact
	case sm.Regex != nil:
		r, err := regexp.Compile(*sm.Regex)
		if err != nil {
			t.Errorf("invalid regex %q: %v", *sm.Regex, err)
			return false
		}
		return r.MatchString(value)
	case sm.Contains != nil:
		return strings.Contains(value, *sm.Contains)
	}
	return false
}
