// Package checks holds the table of backwards-compatibility checks.
//
// Each entry names an application source release that must still build
// against the current API package. Entries are never deleted: when an API
// change breaks an old release on purpose, the entry is disabled with a
// reason naming the breaking commit, and a newer passing entry is added.
//
// Tables are read from YAML or CUE files:
//
//	default_configs: istax_multi.mk
//	checks:
//	  - name: backwards-check
//	    appl: 8c88dda92b@master
//	  - name: backwards-check
//	    appl: a3481d9@master
//	    disabled: true
//	    reason: "packet API updated in a3481d94"
package checks

import "fmt"

// DefaultConfigs is the configuration set built when an entry names none.
const DefaultConfigs = "istax_multi.mk"

// Check describes one application revision to build against the API.
type Check struct {
	Name     string `yaml:"name" json:"name"`
	Appl     string `yaml:"appl" json:"appl"`
	Configs  string `yaml:"configs,omitempty" json:"configs,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Reason   string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// BaseName is the per-check directory and result node name.
func (c Check) BaseName() string {
	return c.Name + "-" + c.Appl
}

// ApplPackage is the application source tarball handed to the checker.
func (c Check) ApplPackage() string {
	return fmt.Sprintf("webstax2-internal-%s.tar.gz", c.Appl)
}

// Table is an ordered list of checks.
type Table struct {
	DefaultConfigs string  `yaml:"default_configs,omitempty" json:"default_configs,omitempty"`
	Checks         []Check `yaml:"checks" json:"checks"`
}

// Enabled returns the active checks in table order, with empty config sets
// replaced by the table default.
func (t *Table) Enabled() []Check {
	var out []Check
	for _, c := range t.Resolved() {
		if !c.Disabled {
			out = append(out, c)
		}
	}
	return out
}

// Resolved returns every entry, disabled ones included, with empty config
// sets of enabled entries replaced by the table default.
func (t *Table) Resolved() []Check {
	out := make([]Check, 0, len(t.Checks))
	for _, c := range t.Checks {
		if !c.Disabled && c.Configs == "" {
			c.Configs = t.defaultConfigs()
		}
		out = append(out, c)
	}
	return out
}

func (t *Table) defaultConfigs() string {
	if t.DefaultConfigs != "" {
		return t.DefaultConfigs
	}
	return DefaultConfigs
}

// Validate checks required fields.
func (t *Table) Validate() error {
	for i, c := range t.Checks {
		if c.Name == "" {
			return fmt.Errorf("checks[%d]: name is required", i)
		}
		if c.Appl == "" {
			return fmt.Errorf("checks[%d]: appl is required", i)
		}
		if c.Disabled && c.Reason == "" {
			return fmt.Errorf("checks[%d] (%s): disabled entries must give a reason", i, c.BaseName())
		}
	}
	return nil
}

// Default returns the built-in table.
func Default() *Table {
	return &Table{
		DefaultConfigs: DefaultConfigs,
		Checks: []Check{
			{Name: "backwards-check", Appl: "6bf6a82@4-dev", Disabled: true,
				Reason: "e86bb9328c moved CapArries out of the API"},
			{Name: "backwards-check", Appl: "ae50741@4-dev", Disabled: true,
				Reason: "f4a3fd92cf renamed MESA_CAP_AFI_FAST_INJ_BPS_MAX to MESA_CAP_AFI_FAST_INJ_KBPS_MAX"},
			{Name: "backwards-check", Appl: "16f3e31@4-dev", Disabled: true,
				Reason: "6df72668c9 renamed API targets to show Aquantia PHY support"},
			{Name: "backwards-check", Appl: "d285e7c@4-dev", Disabled: true,
				Reason: "b20434f077 started the MEBA irq"},
			{Name: "backwards-check", Appl: "4d203cc@4-dev", Disabled: true,
				Reason: "78c90a405e changed VLAN translation"},
			{Name: "backwards-check", Appl: "83df42a@4-dev.vlan-translate", Disabled: true,
				Reason: "5016f34154 modified the Viper B OOS API"},
			{Name: "backwards-check", Appl: "8b026dbc3b@4-dev.bz23852", Disabled: true,
				Reason: "e24a98d cleaned up the 10G PHY API"},
			{Name: "backwards-check", Appl: "49a34937e3@4-dev.bz23305", Disabled: true,
				Reason: "superseded by the 4.3.0 check"},
			{Name: "backwards-check", Appl: "46cc7c871b@4-rel", Disabled: true,
				Reason: "Seville and Seville2 support removed from the API"},
			{Name: "backwards-check", Appl: "f5852c7@4-dev", Disabled: true,
				Reason: "3ac9954413 added MEBA_EVENT_MOD_DET to the event structure"},
			{Name: "backwards-check", Appl: "39648addcf@4-dev.bz11118-2", Disabled: true,
				Reason: "c66de1e2aa moved AQR drivers to third-party and renamed API targets"},
			{Name: "backwards-check", Appl: "a532b8c1b8@4-dev.port_refactor2.aqr", Disabled: true,
				Reason: "e72a4c41b5: application used positioned struct initialization"},
			{Name: "backwards-check", Appl: "01d6d2a@4-dev", Disabled: true,
				Reason: "fbf4e35be1 merged the Fireant API to 4-dev"},
			{Name: "backwards-check", Appl: "610df82@4-dev", Disabled: true,
				Reason: "0c7bf3c499 changed mesa_debug_printf_t to match printf()"},
			{Name: "backwards-check", Appl: "663920a@4-dev", Disabled: true,
				Reason: "b1a1fc3703 updated the TAS API"},
			{Name: "backwards-check", Appl: "c183be9666@2019.09-soak.tas-hdr", Disabled: true,
				Reason: "4b37272056 reduced API flavors to one per SKU"},
			{Name: "backwards-check", Appl: "3f0030a@master.meba_port_cnt", Disabled: true,
				Reason: "f01f8392e0 renamed MESA_CAP_QOS_QBV_* to MESA_CAP_QOS_TAS_*"},
			{Name: "backwards-check", Appl: "d37c351ea1@master", Disabled: true,
				Reason: "a3481d9487 updated the packet API"},
			{Name: "backwards-check", Appl: "a3481d9@master", Disabled: true,
				Reason: "unified BSP lacks the kernel modules the application builds"},
			{Name: "backwards-check", Appl: "8c88dda92b@master"},
		},
	}
}
