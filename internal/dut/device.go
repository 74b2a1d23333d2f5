package dut

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Device wraps a Caller with typed driver calls.
type Device struct {
	c Caller
}

// NewDevice returns a typed view of c.
func NewDevice(c Caller) *Device {
	return &Device{c: c}
}

// Capability returns the value of a MESA_CAP_* capability.
func (d *Device) Capability(ctx context.Context, name string) (int64, error) {
	var v int64
	err := d.call(ctx, &v, MethodCapability, name)
	return v, err
}

// ChipFamily returns MESA_CAP_MISC_CHIP_FAMILY.
func (d *Device) ChipFamily(ctx context.Context) (ChipFamily, error) {
	v, err := d.Capability(ctx, CapChipFamily)
	return ChipFamily(v), err
}

// DomainTimeOfDay returns the current time of day in a clock domain.
func (d *Device) DomainTimeOfDay(ctx context.Context, domain uint32) (Timestamp, error) {
	var ts Timestamp
	err := d.callFirst(ctx, &ts, MethodDomainTimeOfDayGet, domain)
	return ts, err
}

// SetDomainTimeOfDay sets the time of day in a clock domain.
func (d *Device) SetDomainTimeOfDay(ctx context.Context, domain uint32, ts Timestamp) error {
	return d.call(ctx, nil, MethodDomainTimeOfDaySet, domain, ts)
}

// ExternalIOMode returns the configuration of an external IO pin.
func (d *Device) ExternalIOMode(ctx context.Context, pin uint32) (ExternalIOMode, error) {
	var m ExternalIOMode
	err := d.call(ctx, &m, MethodExternalIOModeGet, pin)
	return m, err
}

// SetExternalIOMode configures an external IO pin.
func (d *Device) SetExternalIOMode(ctx context.Context, pin uint32, m ExternalIOMode) error {
	return d.call(ctx, nil, MethodExternalIOModeSet, pin, m)
}

// SavedTimeOfDay returns the time of day latched by the last pulse on pin.
func (d *Device) SavedTimeOfDay(ctx context.Context, pin uint32) (Timestamp, error) {
	var ts Timestamp
	err := d.callFirst(ctx, &ts, MethodSavedTimeOfDayGet, pin)
	return ts, err
}

// ExternalClockMode returns the external clock output configuration.
func (d *Device) ExternalClockMode(ctx context.Context) (ExternalClockMode, error) {
	var m ExternalClockMode
	err := d.call(ctx, &m, MethodExternalClockModeGet)
	return m, err
}

// SetExternalClockMode configures the external clock output.
func (d *Device) SetExternalClockMode(ctx context.Context, m ExternalClockMode) error {
	return d.call(ctx, nil, MethodExternalClockModeSet, m)
}

// AdjTimerOneSec samples the time of day. It reports whether a time of day
// set operation is still ongoing.
func (d *Device) AdjTimerOneSec(ctx context.Context) (bool, error) {
	var ongoing bool
	err := d.call(ctx, &ongoing, MethodAdjTimerOneSec)
	return ongoing, err
}

// SetVLANPortMembers sets the member ports of a VLAN. An empty list removes
// every port.
func (d *Device) SetVLANPortMembers(ctx context.Context, vid uint16, ports string) error {
	return d.call(ctx, nil, MethodVLANPortMembersSet, vid, ports)
}

func (d *Device) call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := d.c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// callFirst decodes the first output of a call with several outputs.
func (d *Device) callFirst(ctx context.Context, out any, method string, params ...any) error {
	raw, err := d.c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	first, err := firstOutput(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(first, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func firstOutput(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return raw, nil
	}
	var outputs []json.RawMessage
	if err := json.Unmarshal(trimmed, &outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("empty output list")
	}
	return outputs[0], nil
}
