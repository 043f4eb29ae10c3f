package audit

import (
	"encoding/json"
	"fmt"
)

// Event classifies an audit entry. The integer values are persisted and must
// never be renumbered.
type Event int

const (
	Info             Event = 0
	Warn             Event = 1
	Error            Event = 2
	AppActivation    Event = 3
	FailedActivation Event = 4
	KeyModified      Event = 5
	KeyCreated       Event = 6
	KeyAccess        Event = 7
	AppCreated       Event = 8
	AppModified      Event = 9
)

var eventNames = map[Event]string{
	Info:             "info",
	Warn:             "warn",
	Error:            "error",
	AppActivation:    "app_activation",
	FailedActivation: "failed_activation",
	KeyModified:      "key_modified",
	KeyCreated:       "key_created",
	KeyAccess:        "key_access",
	AppCreated:       "app_created",
	AppModified:      "app_modified",
}

func (e Event) Valid() bool {
	_, ok := eventNames[e]
	return ok
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		name = fmt.Sprint(n)
	}
	ev, err := ParseEvent(name)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// ParseEvent accepts either the name or the persisted integer.
func ParseEvent(s string) (Event, error) {
	for ev, name := range eventNames {
		if name == s {
			return ev, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && Event(n).Valid() {
		return Event(n), nil
	}
	return 0, fmt.Errorf("audit: unknown event %q", s)
}
