// Package ppstest runs the external clock 1PPS acceptance test against one
// device.
//
// The device's 1PPS output is looped back to an external IO pin configured to
// latch the time of day on every pulse. For each of the three clock domains
// the test checks that nothing is latched while the output is off, that the
// latched value advances once it is on, and that the domain's time of day
// moved by the time spent waiting.
//
// The outcome is a result tree. Failed checks are FAIL nodes carrying a
// message; they never abort the run. Device errors end the current domain.
// Whatever test_conf changed is put back by test_clean_up, even when the run
// is cancelled.
package ppstest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/backcompat/internal/clock"
	"github.com/roach88/backcompat/internal/dut"
	"github.com/roach88/backcompat/internal/result"
)

// Node names.
const (
	TestName          = "ts_external_clock_1pps"
	CapabilitiesName  = "check_capabilities"
	ConfName          = "test_conf"
	RunName           = "test_run"
	CleanUpName       = "test_clean_up"
	DomainCount       = 3
	DefaultPin        = 2
	pollingDisableCmd = "mesa-cmd Debug Port Polling disable"
	pollingEnableCmd  = "mesa-cmd Debug Port Polling enable"
)

// Setup describes the bench the device sits on.
type Setup struct {
	// ExternalIOPin is the input pin the 1PPS output is looped to.
	ExternalIOPin uint32
	// ExternalClockLooped must be true: the loopback cable is fitted.
	ExternalClockLooped bool
	// ExecSlack is the number of seconds call latency may add to a time of
	// day reading. One second covers a device reached over the network.
	ExecSlack uint32
}

// Env holds the collaborators of a run.
type Env struct {
	Device *dut.Device
	// Shell is optional. Without it the port polling steps are skipped.
	Shell  dut.Shell
	Clock  clock.Clock
	Logger *slog.Logger
}

// saved is the device state test_conf captured for test_clean_up.
type saved struct {
	clockMode       *dut.ExternalClockMode
	ioMode          *dut.ExternalIOMode
	pollingDisabled bool
}

type run struct {
	env    Env
	setup  Setup
	family dut.ChipFamily
	log    *slog.Logger
}

// Run executes the test and returns its result tree. The error is non-nil
// only when ctx was cancelled; the tree is returned either way.
func Run(ctx context.Context, env Env, setup Setup) (*result.Node, error) {
	if env.Clock == nil {
		env.Clock = clock.Real{}
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	r := &run{env: env, setup: setup, log: env.Logger}

	root := result.New(TestName, result.StatusOK, map[string]string{
		"external-io-pin": strconv.FormatUint(uint64(setup.ExternalIOPin), 10),
		"exec-slack":      strconv.FormatUint(uint64(setup.ExecSlack), 10),
	})

	caps := r.checkCapabilities(ctx)
	root.AddChild(caps)
	root.SetAttr("family", r.family.String())
	if !caps.Aggregate().OK() {
		r.log.Warn("capability check failed, skipping test", "family", r.family)
		root.SetAttr("skipped", "capability check failed")
		return root, interrupted(ctx)
	}

	st := &saved{}
	conf := r.testConf(ctx, st)
	root.AddChild(conf)

	if conf.Aggregate().OK() && ctx.Err() == nil {
		root.AddChild(r.testRun(ctx))
	}

	// Put the device back even if the run was cancelled.
	root.AddChild(r.testCleanUp(context.WithoutCancel(ctx), st))

	r.log.Info("1PPS test finished", "status", root.Aggregate())
	return root, interrupted(ctx)
}

func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("1PPS test interrupted: %w", err)
	}
	return nil
}

func (r *run) checkCapabilities(ctx context.Context) *result.Node {
	node := result.New(CapabilitiesName, result.StatusOK, nil)
	dev := r.env.Device

	family, err := dev.ChipFamily(ctx)
	if err != nil {
		addError(node, "read chip family", err)
		return node
	}
	r.family = family

	var familyErr error
	if family != dut.FamilyJaguar2 && family != dut.FamilySparX5 {
		familyErr = &AssertionError{
			Check: "chip family",
			Message: fmt.Sprintf("Family is %d - must be %d (Jaguar2) or %d (SparX-5).",
				family, dut.FamilyJaguar2, dut.FamilySparX5),
			Expected: "Jaguar2 or SparX-5",
			Actual:   fmt.Sprintf("%s (%d)", family, family),
		}
	}
	record(node, "chip family", "Jaguar2 or SparX-5", fmt.Sprintf("%s (%d)", family, family), familyErr)

	var loopErr error
	if !r.setup.ExternalClockLooped {
		loopErr = &AssertionError{
			Check:    "external clock looped",
			Message:  "External clock must be looped",
			Expected: "true",
			Actual:   "false",
		}
	}
	record(node, "external clock looped", "true", strconv.FormatBool(r.setup.ExternalClockLooped), loopErr)

	if epid, err := dev.Capability(ctx, dut.CapPacketIFHEPID); err != nil {
		addError(node, "read IFH EPID", err)
	} else {
		node.SetAttr("ifh-epid", strconv.FormatInt(epid, 10))
	}
	return node
}

func (r *run) testConf(ctx context.Context, st *saved) *result.Node {
	node := result.New(ConfName, result.StatusOK, nil)
	dev := r.env.Device
	pin := r.setup.ExternalIOPin

	// VLAN 1 would loop traffic between the looped ports.
	if err := dev.SetVLANPortMembers(ctx, 1, ""); err != nil {
		addError(node, "disable VLAN 1", err)
		return node
	}
	addStep(node, "disable VLAN 1", nil)

	clockMode, err := dev.ExternalClockMode(ctx)
	if err != nil {
		addError(node, "save external clock mode", err)
		return node
	}
	st.clockMode = &clockMode
	addStep(node, "save external clock mode", map[string]string{"mode": describe(clockMode)})

	ioMode, err := dev.ExternalIOMode(ctx, pin)
	if err != nil {
		addError(node, fmt.Sprintf("save external IO mode of pin %d", pin), err)
		return node
	}
	st.ioMode = &ioMode
	addStep(node, fmt.Sprintf("save external IO mode of pin %d", pin), map[string]string{"mode": describe(ioMode)})

	if r.env.Shell == nil {
		addStep(node, "disable port polling", map[string]string{"skipped": "no shell configured"})
		return node
	}
	st.pollingDisabled = true
	if _, err := r.env.Shell.Run(ctx, pollingDisableCmd); err != nil {
		addError(node, "disable port polling", err)
		return node
	}
	addStep(node, "disable port polling", nil)
	return node
}

func (r *run) testRun(ctx context.Context) *result.Node {
	node := result.New(RunName, result.StatusOK, nil)
	dev := r.env.Device
	pin := r.setup.ExternalIOPin

	tod, err := dev.DomainTimeOfDay(ctx, 0)
	if err != nil {
		addError(node, "read time of day", err)
		return node
	}

	pinConf, err := dev.ExternalIOMode(ctx, pin)
	if err != nil {
		addError(node, "read external IO mode", err)
		return node
	}
	pinConf.Pin = dut.ExtIOSave
	pinConf.Freq = 0

	extConf, err := dev.ExternalClockMode(ctx)
	if err != nil {
		addError(node, "read external clock mode", err)
		return node
	}
	extConf.OnePPSMode = dut.OnePPSDisable
	extConf.Enable = false
	extConf.Freq = 0
	if err := dev.SetExternalClockMode(ctx, extConf); err != nil {
		addError(node, "disable 1PPS output", err)
		return node
	}

	for domain := uint32(0); domain < DomainCount; domain++ {
		dn := result.New(fmt.Sprintf("domain = %d", domain), result.StatusOK, nil)
		node.AddChild(dn)

		r.log.Info("testing domain", "domain", domain)
		if err := r.testDomain(ctx, dn, domain, tod, pinConf, extConf); err != nil {
			addError(dn, "device call", err)
			if ctx.Err() != nil {
				break
			}
			// Leave the output off for the next domain.
			extConf.OnePPSMode = dut.OnePPSDisable
			if err := dev.SetExternalClockMode(ctx, extConf); err != nil {
				addError(dn, "disable 1PPS output", err)
			}
		}
		r.log.Info("domain done", "domain", domain, "status", dn.Aggregate())
	}
	return node
}

// testDomain runs the checks for one domain. Failed checks are recorded on
// node; the returned error is a device or context error.
func (r *run) testDomain(ctx context.Context, node *result.Node, domain uint32,
	tod dut.Timestamp, pinConf dut.ExternalIOMode, extConf dut.ExternalClockMode) error {
	dev := r.env.Device
	pin := r.setup.ExternalIOPin
	slack := r.setup.ExecSlack

	tod.Seconds = 0
	tod.Nanoseconds = 0
	if err := dev.SetDomainTimeOfDay(ctx, domain, tod); err != nil {
		return err
	}

	pinConf.Domain = domain
	if err := dev.SetExternalIOMode(ctx, pin, pinConf); err != nil {
		return err
	}

	// Output off: the latched value must hold.
	ts1, ts2, err := r.samplePair(ctx, pin)
	if err != nil {
		return err
	}
	check := "saved TOD holds while 1PPS is off"
	w := window{ts1.Seconds, ts1.Seconds}
	record(node, check, w.String(), pairString(ts1, ts2), expectSeconds(check,
		fmt.Sprintf("Case 1PPS is not enabled. TOD in domain %d was not as expected. pin_ts1[seconds] = %d pin_ts2[seconds] = %d",
			domain, ts1.Seconds, ts2.Seconds),
		w, ts2.Seconds))

	// Output on, looped back to the pin: the latched value must advance.
	extConf.OnePPSMode = dut.OnePPSOutput
	if err := dev.SetExternalClockMode(ctx, extConf); err != nil {
		return err
	}
	if err := r.env.Clock.Sleep(ctx, time.Second); err != nil {
		return err
	}
	ts1, ts2, err = r.samplePair(ctx, pin)
	if err != nil {
		return err
	}
	check = "saved TOD advances while 1PPS is on"
	w = window{ts1.Seconds + 1, ts1.Seconds + 3}
	record(node, check, w.String(), pairString(ts1, ts2), expectSeconds(check,
		fmt.Sprintf("Case 1PPS is enabled. TOD in domain %d was not as expected. pin_ts1[seconds] = %d pin_ts2[seconds] = %d",
			domain, ts1.Seconds, ts2.Seconds),
		w, ts2.Seconds))

	base := tod.Seconds
	if r.family == dut.FamilyJaguar2 {
		// Only the 2 s before the output was enabled are visible until the
		// time of day is sampled.
		if err := r.checkTOD(ctx, node, domain, "TOD before sample", window{base + 2, base + 2 + slack}); err != nil {
			return err
		}

		ongoing, err := dev.AdjTimerOneSec(ctx)
		if err != nil {
			return err
		}
		var ongoingErr error
		if ongoing {
			ongoingErr = &AssertionError{
				Check:    "TOD sample completes",
				Message:  "TOD set ongoing must not be true",
				Expected: "false",
				Actual:   "true",
			}
		}
		record(node, "TOD sample completes", "false", strconv.FormatBool(ongoing), ongoingErr)

		if err := r.checkTOD(ctx, node, domain, "TOD after sample", window{base + 5, base + 5 + 2*slack}); err != nil {
			return err
		}
	} else {
		if err := r.checkTOD(ctx, node, domain, "TOD after 1PPS", window{base + 5, base + 5 + slack}); err != nil {
			return err
		}
	}

	extConf.OnePPSMode = dut.OnePPSDisable
	return dev.SetExternalClockMode(ctx, extConf)
}

// samplePair reads the saved time of day, waits 2 s and reads it again.
func (r *run) samplePair(ctx context.Context, pin uint32) (dut.Timestamp, dut.Timestamp, error) {
	ts1, err := r.env.Device.SavedTimeOfDay(ctx, pin)
	if err != nil {
		return dut.Timestamp{}, dut.Timestamp{}, err
	}
	if err := r.env.Clock.Sleep(ctx, 2*time.Second); err != nil {
		return dut.Timestamp{}, dut.Timestamp{}, err
	}
	ts2, err := r.env.Device.SavedTimeOfDay(ctx, pin)
	if err != nil {
		return dut.Timestamp{}, dut.Timestamp{}, err
	}
	return ts1, ts2, nil
}

func (r *run) checkTOD(ctx context.Context, node *result.Node, domain uint32, check string, w window) error {
	got, err := r.env.Device.DomainTimeOfDay(ctx, domain)
	if err != nil {
		return err
	}
	record(node, check, w.String(), fmt.Sprintf("seconds = %d", got.Seconds), expectSeconds(check,
		fmt.Sprintf("%s in domain %d was not as expected. tod_ts2[seconds] = %d expected %s",
			check, domain, got.Seconds, w),
		w, got.Seconds))
	return nil
}

func (r *run) testCleanUp(ctx context.Context, st *saved) *result.Node {
	node := result.New(CleanUpName, result.StatusOK, nil)
	dev := r.env.Device
	pin := r.setup.ExternalIOPin

	if st.clockMode != nil {
		err := dev.SetExternalClockMode(ctx, *st.clockMode)
		addStepResult(node, "restore external clock mode", describe(*st.clockMode), err)
	}
	if st.ioMode != nil {
		err := dev.SetExternalIOMode(ctx, pin, *st.ioMode)
		addStepResult(node, fmt.Sprintf("restore external IO mode of pin %d", pin), describe(*st.ioMode), err)
	}
	if st.pollingDisabled {
		_, err := r.env.Shell.Run(ctx, pollingEnableCmd)
		addStepResult(node, "enable port polling", "", err)
	}
	return node
}

func addStep(parent *result.Node, name string, attrs map[string]string) {
	parent.AddChild(result.New(name, result.StatusOK, attrs))
}

func addStepResult(parent *result.Node, name, mode string, err error) {
	n := result.New(name, result.StatusOK, nil)
	if mode != "" {
		n.SetAttr("mode", mode)
	}
	if err != nil {
		n.Fail()
		n.SetAttr("message", err.Error())
	}
	parent.AddChild(n)
}

func addError(parent *result.Node, name string, err error) {
	parent.AddChild(result.New(name, result.StatusFail, map[string]string{"message": err.Error()}))
}

func pairString(ts1, ts2 dut.Timestamp) string {
	return fmt.Sprintf("seconds %d then %d", ts1.Seconds, ts2.Seconds)
}

func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
