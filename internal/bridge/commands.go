package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mydolphin-bridge/internal/shadow"
	"mydolphin-bridge/internal/status"
)

// Command validation failures.
var (
	ErrNotConnected     = errors.New("broker session not connected")
	ErrUnknownMode      = errors.New("unknown cleaning mode")
	ErrUnknownDirection = errors.New("unknown joystick direction")
	ErrUnknownDay       = errors.New("unknown weekday")
)

// Disabled delay and weekly timer slots carry this sentinel in both fields.
const timerUnset = 255

var joystickDirections = map[string]bool{
	"stop":     true,
	"forward":  true,
	"backward": true,
	"left":     true,
	"right":    true,
}

var weekdays = map[string]bool{
	"sunday":    true,
	"monday":    true,
	"tuesday":   true,
	"wednesday": true,
	"thursday":  true,
	"friday":    true,
	"saturday":  true,
}

// SetCleaningMode requests a cleaning mode. The matching cycle time follows
// automatically once the broker accepts the desired state.
func (c *Coordinator) SetCleaningMode(mode string) error {
	if !shadow.ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return c.publishDesired(map[string]any{
		"cleaningMode": map[string]any{"mode": mode},
	})
}

// Pickup sends the robot back to its pickup point.
func (c *Coordinator) Pickup() error {
	return c.SetCleaningMode(shadow.ModePickup)
}

// SetDelay configures the single delayed-start slot. A disabled slot keeps
// the sentinel time so the robot drops the timer.
func (c *Coordinator) SetDelay(enabled bool, mode, clock string) error {
	if !shadow.ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	hours, minutes, err := parseClock(enabled, clock)
	if err != nil {
		return err
	}
	return c.publishDesired(map[string]any{
		"delay": map[string]any{
			"isEnabled":    enabled,
			"cleaningMode": map[string]any{"mode": mode},
			"time":         map[string]any{"hours": hours, "minutes": minutes},
		},
	})
}

// SetWeeklySchedule configures one weekday slot of the weekly timer.
func (c *Coordinator) SetWeeklySchedule(day string, enabled bool, mode, clock string) error {
	day = strings.ToLower(day)
	if !weekdays[day] {
		return fmt.Errorf("%w: %q", ErrUnknownDay, day)
	}
	if !shadow.ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	hours, minutes, err := parseClock(enabled, clock)
	if err != nil {
		return err
	}
	return c.publishDesired(map[string]any{
		"weeklySettings": map[string]any{
			"triggeredBy": 0,
			day: map[string]any{
				"isEnabled":    enabled,
				"cleaningMode": map[string]any{"mode": mode},
				"time":         map[string]any{"hours": hours, "minutes": minutes},
			},
		},
	})
}

func parseClock(enabled bool, clock string) (hours, minutes int, err error) {
	if !enabled || clock == "" {
		return timerUnset, timerUnset, nil
	}
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock %q, want HH:MM", clock)
	}
	hours, err = strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, 0, fmt.Errorf("bad clock %q, want HH:MM", clock)
	}
	minutes, err = strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, 0, fmt.Errorf("bad clock %q, want HH:MM", clock)
	}
	return hours, minutes, nil
}

// SetLEDEnabled toggles the light, keeping the rest of the led object as the
// robot last reported it.
func (c *Coordinator) SetLEDEnabled(on bool) error {
	return c.publishLED(map[string]any{"ledEnable": on})
}

// SetLEDIntensity sets brightness in percent.
func (c *Coordinator) SetLEDIntensity(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("led intensity %d out of range 0..100", percent)
	}
	return c.publishLED(map[string]any{"ledIntensity": percent})
}

// SetLEDMode selects the vendor blink pattern.
func (c *Coordinator) SetLEDMode(mode int) error {
	return c.publishLED(map[string]any{"ledMode": mode})
}

// publishLED merges the requested fields over the reported led object so a
// single-field change does not reset the others.
func (c *Coordinator) publishLED(fields map[string]any) error {
	c.mu.Lock()
	led := c.snap.Category("led")
	c.mu.Unlock()
	if led == nil {
		led = make(map[string]any)
	}
	for k, v := range fields {
		led[k] = v
	}
	return c.publishDesired(map[string]any{"led": led})
}

// Navigate drives the robot manually. Direction "stop" keeps the joystick
// session open at zero speed; ExitJoystick ends it.
func (c *Coordinator) Navigate(direction string) error {
	if !joystickDirections[direction] {
		return fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}
	speed := 100
	if direction == "stop" {
		speed = 0
	}
	return c.publishDynamic("joystick", map[string]any{
		"direction": direction,
		"speed":     speed,
	})
}

// ExitJoystick ends manual navigation and returns control to the cycle.
func (c *Coordinator) ExitJoystick() error {
	return c.publishDynamic("joystick", map[string]any{"rcMode": "exit"})
}

// PowerOn turns the power supply on without starting a cycle.
func (c *Coordinator) PowerOn() error {
	return c.publishDesired(map[string]any{
		"systemState": map[string]any{"pwsState": shadow.PWSOn},
	})
}

// PowerOff turns the power supply off.
func (c *Coordinator) PowerOff() error {
	return c.publishDesired(map[string]any{
		"systemState": map[string]any{"pwsState": shadow.PWSOff},
	})
}

// ResetFilterIndicator clears the filter-bag warning.
func (c *Coordinator) ResetFilterIndicator() error {
	return c.publishDesired(map[string]any{
		"filterBagIndication": map[string]any{"resetFbi": true},
	})
}

// Locate marks the unit as being located and lights it up. The flag is local
// only; the robot has no locate primitive of its own.
func (c *Coordinator) Locate() error {
	if err := c.store.SetLocating(true); err != nil {
		return fmt.Errorf("persist locating flag: %w", err)
	}
	return c.SetLEDEnabled(true)
}

// StopLocating clears the local locating flag.
func (c *Coordinator) StopLocating() error {
	return c.store.SetLocating(false)
}

// Locating reports the local find-my-robot flag.
func (c *Coordinator) Locating() bool {
	return c.store.Locating()
}

func (c *Coordinator) publishDesired(desired map[string]any) error {
	payload, err := shadow.EncodeDesired(desired)
	if err != nil {
		return err
	}
	return c.publish(c.topicPlan().Update(), payload)
}

func (c *Coordinator) publishDynamic(description string, content map[string]any) error {
	payload, err := shadow.EncodeDynamicRequest(description, content)
	if err != nil {
		return err
	}
	return c.publish(c.topicPlan().Dynamic(), payload)
}

func (c *Coordinator) publish(topic string, payload []byte) error {
	c.mu.Lock()
	sess := c.session
	connected := c.awsStatus == status.Connected
	c.mu.Unlock()
	if sess == nil || !connected {
		return ErrNotConnected
	}
	return sess.Publish(topic, payload)
}
