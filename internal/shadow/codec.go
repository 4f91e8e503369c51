package shadow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dynamic message type used for every request we originate.
const DynamicRequestType = "pwsRequest"

// AcceptedEnvelope is the broker reply on get/accepted and update/accepted.
type AcceptedEnvelope struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
	State     struct {
		Reported map[string]any `json:"reported"`
		Desired  map[string]any `json:"desired"`
	} `json:"state"`
}

// DecodeAccepted parses an accepted envelope.
func DecodeAccepted(payload []byte) (AcceptedEnvelope, error) {
	var env AcceptedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return AcceptedEnvelope{}, fmt.Errorf("parse accepted envelope: %w", err)
	}
	return env, nil
}

// DynamicMessage is a message on the vendor dynamic channel.
type DynamicMessage struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Content     map[string]any `json:"content"`
}

func DecodeDynamic(payload []byte) (DynamicMessage, error) {
	var msg DynamicMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return DynamicMessage{}, fmt.Errorf("parse dynamic message: %w", err)
	}
	if msg.Type == "" {
		return DynamicMessage{}, fmt.Errorf("dynamic message missing type")
	}
	return msg, nil
}

// EncodeDesired wraps a desired-state payload in the shadow update envelope.
func EncodeDesired(desired map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"state": map[string]any{"desired": desired},
	})
}

// EncodeDynamicRequest builds an outbound dynamic-channel request.
func EncodeDynamicRequest(description string, content map[string]any) ([]byte, error) {
	return json.Marshal(DynamicMessage{
		Type:        DynamicRequestType,
		Description: description,
		Content:     content,
	})
}

// DesiredCleaningMode extracts state.desired.cleaningMode.mode from an
// accepted envelope, if present. This drives the cycle-time follow-up.
func (e AcceptedEnvelope) DesiredCleaningMode() (string, bool) {
	cm, ok := e.State.Desired["cleaningMode"].(map[string]any)
	if !ok {
		return "", false
	}
	mode, ok := cm["mode"].(string)
	return mode, ok && mode != ""
}

// Snapshot is the locally maintained shadow view: category objects merged
// from every accepted message, plus version and timing metadata.
type Snapshot struct {
	categories map[string]any
	version    int64
	serverTime time.Time
	clockSkew  time.Duration
}

func NewSnapshot() *Snapshot {
	return &Snapshot{categories: make(map[string]any)}
}

// Apply merges an accepted envelope into the snapshot. The merge is defined
// on shapes only: objects deep-merge, everything else replaces, so unknown
// categories are preserved verbatim.
func (s *Snapshot) Apply(env AcceptedEnvelope, now time.Time) {
	if env.Version != 0 {
		s.version = env.Version
	}
	if env.Timestamp != 0 {
		s.serverTime = time.Unix(env.Timestamp, 0)
		s.clockSkew = now.Sub(s.serverTime)
	}
	for category, value := range env.State.Reported {
		existing, haveOld := s.categories[category].(map[string]any)
		incoming, isObj := value.(map[string]any)
		if haveOld && isObj {
			s.categories[category] = deepMerge(existing, incoming)
			continue
		}
		s.categories[category] = value
	}
}

// Category returns a deep copy of one category object, or nil.
func (s *Snapshot) Category(name string) map[string]any {
	obj, ok := s.categories[name].(map[string]any)
	if !ok {
		return nil
	}
	return deepCopy(obj)
}

// Categories returns a deep copy of the whole snapshot.
func (s *Snapshot) Categories() map[string]any {
	out := make(map[string]any, len(s.categories))
	for k, v := range s.categories {
		if obj, ok := v.(map[string]any); ok {
			out[k] = deepCopy(obj)
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Snapshot) Version() int64            { return s.version }
func (s *Snapshot) ServerTime() time.Time     { return s.serverTime }
func (s *Snapshot) ClockSkew() time.Duration  { return s.clockSkew }

func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dv, haveOld := dst[k].(map[string]any)
		sv, isObj := v.(map[string]any)
		if haveOld && isObj {
			dst[k] = deepMerge(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

func deepCopy(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if obj, ok := v.(map[string]any); ok {
			out[k] = deepCopy(obj)
			continue
		}
		out[k] = v
	}
	return out
}
