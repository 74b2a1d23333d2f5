// Package dutsim simulates the timestamping unit of a switch.
//
// The simulation keeps three clock domains that run from a shared clock,
// one pulse-per-second output and a set of external IO pins. While the
// 1PPS output is enabled, a pulse fires one second after enabling and then
// every second. Each pulse latches the time of day of the pin's domain into
// every pin configured to save. The output is looped back to the input pins.
//
// Jaguar2 chips only expose the time of day through a sampled register: while
// the 1PPS output is enabled the value read back stays where it was until
// mesa_ts_adjtimer_one_sec samples it again.
package dutsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/backcompat/internal/clock"
	"github.com/roach88/backcompat/internal/dut"
)

// Domains is the number of clock domains.
const Domains = 3

// Fault injects a misbehaviour.
type Fault int

const (
	// FaultNone simulates a healthy device.
	FaultNone Fault = iota
	// FaultStaleSaved never updates the saved time of day, as if the
	// loopback cable were missing.
	FaultStaleSaved
	// FaultFreeRunningSaved latches pulses even when the output is disabled.
	FaultFreeRunningSaved
	// FaultAdjTimerOngoing reports a time of day set as still ongoing.
	FaultAdjTimerOngoing
)

var faultNames = map[string]Fault{
	"none":               FaultNone,
	"stale-saved":        FaultStaleSaved,
	"free-running-saved": FaultFreeRunningSaved,
	"adjtimer-ongoing":   FaultAdjTimerOngoing,
}

// ParseFault maps a fault name such as "stale-saved" to its Fault.
func ParseFault(name string) (Fault, error) {
	f, ok := faultNames[strings.ToLower(name)]
	if !ok {
		return FaultNone, fmt.Errorf("unknown fault %q", name)
	}
	return f, nil
}

// Options configures a Device.
type Options struct {
	Family dut.ChipFamily
	Clock  clock.Clock
	Fault  Fault
	// Pins is the number of external IO pins. Defaults to 4.
	Pins uint32
	// EPID is returned for MESA_CAP_PACKET_IFH_EPID.
	EPID int64
}

type domain struct {
	base  time.Duration // time of day when set
	setAt time.Time
}

// Device is a simulated device. It implements dut.Caller and dut.Shell.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Device struct {
	mu   sync.Mutex
	opts Options

	created   time.Time
	domains   [Domains]domain
	ioModes   []dut.ExternalIOMode
	saved     []dut.Timestamp
	clockMode dut.ExternalClockMode

	outputSince time.Time // zero while the 1PPS output is off
	lastPulse   time.Time
	frozenAt    time.Time // Jaguar2 sampled time of day; zero when live

	polling bool
	vlans   map[uint16]string

	calls    []string
	commands []string
}

// New creates a device with every domain at 1000 s and the output off.
func New(opts Options) *Device {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Pins == 0 {
		opts.Pins = 4
	}
	if opts.Family == 0 {
		opts.Family = dut.FamilySparX5
	}

	now := opts.Clock.Now()
	d := &Device{
		opts:    opts,
		created: now,
		ioModes: make([]dut.ExternalIOMode, opts.Pins),
		saved:   make([]dut.Timestamp, opts.Pins),
		clockMode: dut.ExternalClockMode{
			OnePPSMode: dut.OnePPSDisable,
			Enable:     true,
			Freq:       10_000_000,
		},
		polling: true,
		vlans:   map[uint16]string{1: "0-3"},
	}
	for i := range d.domains {
		d.domains[i] = domain{base: 1000 * time.Second, setAt: now}
	}
	for i := range d.ioModes {
		d.ioModes[i] = dut.ExternalIOMode{Pin: dut.ExtIODisable}
	}
	return d
}

// Call implements dut.Caller. Arguments go through the same JSON encoding as
// on the wire.
func (d *Device) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := dut.EncodeParams(params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return d.Dispatch(method, raw)
}

// Dispatch executes one call with encoded arguments.
func (d *Device) Dispatch(method string, params []json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, method)
	now := d.opts.Clock.Now()
	d.catchUp(now)

	out, err := d.dispatch(now, method, params)
	if err != nil {
		var rpcErr *dut.RPCError
		if errors.As(err, &rpcErr) {
			rpcErr.Method = method
			return nil, rpcErr
		}
		return nil, &dut.RPCError{Code: dut.CodeInvalidParams, Message: err.Error(), Method: method}
	}
	return json.Marshal(out)
}

func (d *Device) dispatch(now time.Time, method string, params []json.RawMessage) (any, error) {
	switch method {
	case dut.MethodCapability:
		var name string
		if err := decodeParams(params, &name); err != nil {
			return nil, err
		}
		return d.capability(name)

	case dut.MethodDomainTimeOfDayGet:
		var dom uint32
		if err := decodeParams(params, &dom); err != nil {
			return nil, err
		}
		if err := checkDomain(dom); err != nil {
			return nil, err
		}
		return []any{d.displayedTOD(dom, now), 0}, nil

	case dut.MethodDomainTimeOfDaySet:
		var dom uint32
		var ts dut.Timestamp
		if err := decodeParams(params, &dom, &ts); err != nil {
			return nil, err
		}
		if err := checkDomain(dom); err != nil {
			return nil, err
		}
		d.domains[dom] = domain{base: toDuration(ts), setAt: now}
		d.frozenAt = time.Time{}
		return nil, nil

	case dut.MethodExternalIOModeGet:
		var pin uint32
		if err := decodeParams(params, &pin); err != nil {
			return nil, err
		}
		if err := d.checkPin(pin); err != nil {
			return nil, err
		}
		return d.ioModes[pin], nil

	case dut.MethodExternalIOModeSet:
		var pin uint32
		var mode dut.ExternalIOMode
		if err := decodeParams(params, &pin, &mode); err != nil {
			return nil, err
		}
		if err := d.checkPin(pin); err != nil {
			return nil, err
		}
		if err := checkDomain(mode.Domain); err != nil {
			return nil, err
		}
		d.ioModes[pin] = mode
		return nil, nil

	case dut.MethodSavedTimeOfDayGet:
		var pin uint32
		if err := decodeParams(params, &pin); err != nil {
			return nil, err
		}
		if err := d.checkPin(pin); err != nil {
			return nil, err
		}
		return []any{d.saved[pin], 0}, nil

	case dut.MethodExternalClockModeGet:
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		return d.clockMode, nil

	case dut.MethodExternalClockModeSet:
		var mode dut.ExternalClockMode
		if err := decodeParams(params, &mode); err != nil {
			return nil, err
		}
		d.setClockMode(now, mode)
		return nil, nil

	case dut.MethodAdjTimerOneSec:
		if err := decodeParams(params); err != nil {
			return nil, err
		}
		d.frozenAt = time.Time{}
		return d.opts.Fault == FaultAdjTimerOngoing, nil

	case dut.MethodVLANPortMembersSet:
		var vid uint16
		var ports string
		if err := decodeParams(params, &vid, &ports); err != nil {
			return nil, err
		}
		d.vlans[vid] = ports
		return nil, nil
	}

	return nil, &dut.RPCError{Code: dut.CodeMethodNotFound, Message: "method not found"}
}

func (d *Device) capability(name string) (int64, error) {
	switch name {
	case dut.CapChipFamily:
		return int64(d.opts.Family), nil
	case dut.CapPacketIFHEPID:
		return d.opts.EPID, nil
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

func (d *Device) setClockMode(now time.Time, mode dut.ExternalClockMode) {
	wasOn := d.clockMode.OnePPSMode == dut.OnePPSOutput
	isOn := mode.OnePPSMode == dut.OnePPSOutput
	d.clockMode = mode

	switch {
	case isOn && !wasOn:
		d.outputSince = now
		if d.opts.Family == dut.FamilyJaguar2 && d.frozenAt.IsZero() {
			d.frozenAt = now
		}
	case !isOn && wasOn:
		d.outputSince = time.Time{}
	}
}

// catchUp latches the most recent pulse at or before now.
func (d *Device) catchUp(now time.Time) {
	if d.opts.Fault == FaultStaleSaved {
		return
	}

	origin := d.outputSince
	if d.opts.Fault == FaultFreeRunningSaved {
		origin = d.created
	}
	if origin.IsZero() {
		return
	}

	n := now.Sub(origin) / time.Second
	if n < 1 {
		return
	}
	pulse := origin.Add(n * time.Second)
	if !pulse.After(d.lastPulse) {
		return
	}
	d.lastPulse = pulse

	for pin, mode := range d.ioModes {
		if mode.Pin == dut.ExtIOSave {
			d.saved[pin] = d.liveTOD(mode.Domain, pulse)
		}
	}
}

func (d *Device) liveTOD(dom uint32, at time.Time) dut.Timestamp {
	st := d.domains[dom]
	return fromDuration(st.base + at.Sub(st.setAt))
}

func (d *Device) displayedTOD(dom uint32, now time.Time) dut.Timestamp {
	if !d.frozenAt.IsZero() {
		return d.liveTOD(dom, d.frozenAt)
	}
	return d.liveTOD(dom, now)
}

// Run implements dut.Shell for the mesa-cmd lines the timing test uses.
func (d *Device) Run(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd = strings.Join(strings.Fields(cmd), " ")
	d.commands = append(d.commands, cmd)

	switch strings.ToLower(cmd) {
	case "mesa-cmd debug port polling disable":
		d.polling = false
		return "", nil
	case "mesa-cmd debug port polling enable":
		d.polling = true
		return "", nil
	}
	return "", fmt.Errorf("%q: command not supported by simulator", cmd)
}

// Polling reports whether port polling is enabled.
func (d *Device) Polling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polling
}

// ClockMode returns the external clock configuration.
func (d *Device) ClockMode() dut.ExternalClockMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockMode
}

// IOMode returns the configuration of pin.
func (d *Device) IOMode(pin uint32) dut.ExternalIOMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ioModes[pin]
}

// SetIOMode configures pin directly, bypassing the call surface.
func (d *Device) SetIOMode(pin uint32, mode dut.ExternalIOMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ioModes[pin] = mode
}

// VLANMembers returns the port list of vid.
func (d *Device) VLANMembers(vid uint16) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vlans[vid]
}

// Calls returns the method names called so far, in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Commands returns the shell commands run so far, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) checkPin(pin uint32) error {
	if pin >= d.opts.Pins {
		return fmt.Errorf("pin %d out of range (have %d)", pin, d.opts.Pins)
	}
	return nil
}

func checkDomain(dom uint32) error {
	if dom >= Domains {
		return fmt.Errorf("domain %d out of range (have %d)", dom, Domains)
	}
	return nil
}

// decodeParams decodes positional params into out, which must match in count.
func decodeParams(params []json.RawMessage, out ...any) error {
	if len(params) != len(out) {
		return fmt.Errorf("want %d params, got %d", len(out), len(params))
	}
	for i, p := range params {
		if err := json.Unmarshal(p, out[i]); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}

func toDuration(ts dut.Timestamp) time.Duration {
	secs := int64(ts.SecMSB)<<32 | int64(ts.Seconds)
	return time.Duration(secs)*time.Second + time.Duration(ts.Nanoseconds)
}

func fromDuration(d time.Duration) dut.Timestamp {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return dut.Timestamp{
		SecMSB:      uint16(secs >> 32),
		Seconds:     uint32(secs),
		Nanoseconds: uint32(d % time.Second),
	}
}
