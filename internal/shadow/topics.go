// Package shadow implements the device-shadow protocol: topic plan, message
// envelopes, reported-state merge, and the derived status engine.
package shadow

import "strings"

// TopicPlan derives every topic name from the motor-unit serial.
type TopicPlan struct {
	mus string
}

func NewTopicPlan(motorUnitSerial string) TopicPlan {
	return TopicPlan{mus: motorUnitSerial}
}

func (p TopicPlan) MotorUnitSerial() string { return p.mus }

func (p TopicPlan) ShadowBase() string { return "$aws/things/" + p.mus + "/shadow" }

func (p TopicPlan) Get() string    { return p.ShadowBase() + "/get" }
func (p TopicPlan) Update() string { return p.ShadowBase() + "/update" }

func (p TopicPlan) GetAccepted() string    { return p.Get() + "/accepted" }
func (p TopicPlan) UpdateAccepted() string { return p.Update() + "/accepted" }

// Dynamic is the vendor channel for joystick, telemetry and similar
// out-of-band messages.
func (p TopicPlan) Dynamic() string { return "Maytronics/" + p.mus + "/main" }

// Subscriptions is the set subscribed at connect time.
func (p TopicPlan) Subscriptions() []string {
	return []string{p.Dynamic(), p.ShadowBase() + "/#"}
}

func (p TopicPlan) IsDynamic(topic string) bool { return topic == p.Dynamic() }

func (p TopicPlan) IsRejected(topic string) bool {
	return strings.HasSuffix(topic, "/rejected")
}

func (p TopicPlan) IsAccepted(topic string) bool {
	return strings.HasSuffix(topic, "/accepted")
}

func (p TopicPlan) IsGetAccepted(topic string) bool { return topic == p.GetAccepted() }

func (p TopicPlan) IsUpdateAccepted(topic string) bool { return topic == p.UpdateAccepted() }
