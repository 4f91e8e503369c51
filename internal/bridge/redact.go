package bridge

import (
	"strings"

	"mydolphin-bridge/internal/shadow"
	"mydolphin-bridge/internal/status"
)

const redacted = "**REDACTED**"

var sensitiveKeyParts = []string{
	"password", "token", "secret", "accesskey", "serial", "sernum", "email", "username",
}

// Redact returns a deep copy of obj with credential-bearing values masked.
// Matching is by key substring, case insensitive.
func Redact(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Diagnostics is a redacted support snapshot of the whole bridge.
type Diagnostics struct {
	APIStatus  status.Connection         `json:"apiStatus"`
	AWSStatus  status.Connection         `json:"awsStatus"`
	Ready      bool                      `json:"ready"`
	Locating   bool                      `json:"locating"`
	Activity   string                    `json:"activity,omitempty"`
	Derived    shadow.Derived            `json:"derived"`
	Shadow     map[string]any            `json:"shadow"`
	Dynamic    map[string]map[string]any `json:"dynamic"`
	InFlight   int                       `json:"inFlightPublishes"`
	RobotName  string                    `json:"robotName,omitempty"`
	RobotModel string                    `json:"robotModel,omitempty"`
}

// Diagnostics assembles a support snapshot safe to share.
func (c *Coordinator) Diagnostics() Diagnostics {
	details, haveDetails := c.Details()

	dynamic := c.Dynamic()
	for key, bucket := range dynamic {
		dynamic[key] = Redact(bucket)
	}

	d := Diagnostics{
		APIStatus: c.APIStatus(),
		AWSStatus: c.AWSStatus(),
		Ready:     c.Ready(),
		Locating:  c.Locating(),
		Activity:  c.Activity(),
		Derived:   c.Derived(),
		Shadow:    Redact(c.Snapshot()),
		Dynamic:   dynamic,
		InFlight:  len(c.Ledger()),
	}
	if haveDetails {
		d.RobotName = details.RobotName
		d.RobotModel = details.PartName
	}
	return d
}
