// Package dut talks to a switch under test through its driver's JSON-RPC
// surface.
//
// Calls are positional: a method name plus a list of arguments, mirroring
// the C function signatures of the driver. Functions with a single output
// return it directly as the result; functions with several outputs return
// them as an array in declaration order.
package dut

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Driver methods used by the timing test.
const (
	MethodCapability           = "mesa_capability"
	MethodDomainTimeOfDayGet   = "mesa_ts_domain_timeofday_get"
	MethodDomainTimeOfDaySet   = "mesa_ts_domain_timeofday_set"
	MethodExternalIOModeGet    = "mesa_ts_external_io_mode_get"
	MethodExternalIOModeSet    = "mesa_ts_external_io_mode_set"
	MethodSavedTimeOfDayGet    = "mesa_ts_saved_timeofday_get"
	MethodExternalClockModeGet = "mesa_ts_external_clock_mode_get"
	MethodExternalClockModeSet = "mesa_ts_external_clock_mode_set"
	MethodAdjTimerOneSec       = "mesa_ts_adjtimer_one_sec"
	MethodVLANPortMembersSet   = "mesa_vlan_port_members_set"
)

// Capability names.
const (
	CapChipFamily    = "MESA_CAP_MISC_CHIP_FAMILY"
	CapPacketIFHEPID = "MESA_CAP_PACKET_IFH_EPID"
)

// ChipFamily is the value of MESA_CAP_MISC_CHIP_FAMILY.
type ChipFamily int64

// Chip families, numbered as in mesa_chip_family_t.
const (
	FamilyCaracal ChipFamily = 1
	FamilyOcelot  ChipFamily = 2
	FamilyServalT ChipFamily = 3
	FamilyJaguar2 ChipFamily = 4
	FamilySparX5  ChipFamily = 5
	FamilyLAN966x ChipFamily = 6
	FamilyLAN969x ChipFamily = 7
)

func (f ChipFamily) String() string {
	switch f {
	case FamilyCaracal:
		return "Caracal"
	case FamilyOcelot:
		return "Ocelot"
	case FamilyServalT:
		return "ServalT"
	case FamilyJaguar2:
		return "Jaguar2"
	case FamilySparX5:
		return "SparX-5"
	case FamilyLAN966x:
		return "LAN966x"
	case FamilyLAN969x:
		return "LAN969x"
	default:
		return "unknown"
	}
}

// ParseChipFamily maps a family name to its value. Case and dashes are
// ignored, so "sparx5" and "SparX-5" both name FamilySparX5.
func ParseChipFamily(name string) (ChipFamily, error) {
	want := strings.ToLower(strings.ReplaceAll(name, "-", ""))
	for f := FamilyCaracal; f <= FamilyLAN969x; f++ {
		if strings.ToLower(strings.ReplaceAll(f.String(), "-", "")) == want {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown chip family %q", name)
}

// Timestamp is mesa_timestamp_t.
type Timestamp struct {
	SecMSB          uint16 `json:"sec_msb"`
	Seconds         uint32 `json:"seconds"`
	Nanoseconds     uint32 `json:"nanoseconds"`
	NanosecondsFrac uint16 `json:"nanosecondsfrac"`
}

// ExtIOPinMode is mesa_ts_ext_io_mode_t.pin.
type ExtIOPinMode string

const (
	ExtIODisable  ExtIOPinMode = "MESA_TS_EXT_IO_MODE_ONE_PPS_DISABLE"
	ExtIOOutput   ExtIOPinMode = "MESA_TS_EXT_IO_MODE_ONE_PPS_OUTPUT"
	ExtIOSave     ExtIOPinMode = "MESA_TS_EXT_IO_MODE_ONE_PPS_SAVE"
	ExtIOLoad     ExtIOPinMode = "MESA_TS_EXT_IO_MODE_ONE_PPS_LOAD"
	ExtIOWaveform ExtIOPinMode = "MESA_TS_EXT_IO_MODE_WAVEFORM_OUTPUT"
)

// ExternalIOMode is mesa_ts_ext_io_mode_t. Members the driver reports
// beyond the modelled ones are kept in Extra and sent back unchanged.
type ExternalIOMode struct {
	Pin    ExtIOPinMode               `json:"pin"`
	Domain uint32                     `json:"domain"`
	Freq   uint32                     `json:"freq"`
	Extra  map[string]json.RawMessage `json:"-"`
}

func (m ExternalIOMode) MarshalJSON() ([]byte, error) {
	type plain ExternalIOMode
	return marshalWithExtra(plain(m), m.Extra)
}

func (m *ExternalIOMode) UnmarshalJSON(data []byte) error {
	type plain ExternalIOMode
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraMembers(data, "pin", "domain", "freq")
	if err != nil {
		return err
	}
	p.Extra = extra
	*m = ExternalIOMode(p)
	return nil
}

// OnePPSMode is mesa_ts_ext_clock_one_pps_mode_t.
type OnePPSMode string

const (
	OnePPSDisable OnePPSMode = "MESA_TS_EXT_CLOCK_MODE_ONE_PPS_DISABLE"
	OnePPSOutput  OnePPSMode = "MESA_TS_EXT_CLOCK_MODE_ONE_PPS_OUTPUT"
	OnePPSInput   OnePPSMode = "MESA_TS_EXT_CLOCK_MODE_ONE_PPS_INPUT"
)

// ExternalClockMode is mesa_ts_ext_clock_mode_t. Unmodelled members are kept
// in Extra, as for ExternalIOMode.
type ExternalClockMode struct {
	OnePPSMode OnePPSMode                 `json:"one_pps_mode"`
	Enable     bool                       `json:"enable"`
	Freq       uint32                     `json:"freq"`
	Extra      map[string]json.RawMessage `json:"-"`
}

func (m ExternalClockMode) MarshalJSON() ([]byte, error) {
	type plain ExternalClockMode
	return marshalWithExtra(plain(m), m.Extra)
}

func (m *ExternalClockMode) UnmarshalJSON(data []byte) error {
	type plain ExternalClockMode
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraMembers(data, "one_pps_mode", "enable", "freq")
	if err != nil {
		return err
	}
	p.Extra = extra
	*m = ExternalClockMode(p)
	return nil
}

// marshalWithExtra encodes v and adds the members of extra it does not
// already have.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := members[k]; !ok {
			members[k] = raw
		}
	}
	return json.Marshal(members)
}

// extraMembers returns the members of the JSON object data other than known,
// or nil when there are none.
func extraMembers(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(members, k)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return members, nil
}
