package ppstest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/backcompat/internal/clock"
	"github.com/roach88/backcompat/internal/dut"
	"github.com/roach88/backcompat/internal/dut/dutsim"
	"github.com/roach88/backcompat/internal/result"
)

var looped = Setup{ExternalIOPin: DefaultPin, ExternalClockLooped: true}

type bench struct {
	clk *clock.Manual
	sim *dutsim.Device
	env Env
}

func newBench(family dut.ChipFamily, fault dutsim.Fault) bench {
	clk := clock.NewManual()
	sim := dutsim.New(dutsim.Options{Family: family, Clock: clk, Fault: fault, EPID: 65})
	return bench{
		clk: clk,
		sim: sim,
		env: Env{
			Device: dut.NewDevice(sim),
			Shell:  sim,
			Clock:  clk,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func childNames(n *result.Node) []string {
	var names []string
	for _, c := range n.Children {
		names = append(names, c.Name)
	}
	return names
}

func TestRun_SparX5Passes(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)

	root, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)

	assert.Equal(t, TestName, root.Name)
	assert.Equal(t, result.StatusOK, root.Aggregate(), Failures(root))
	assert.Empty(t, Failures(root))
	assert.Equal(t, []string{CapabilitiesName, ConfName, RunName, CleanUpName}, childNames(root))
	assert.Equal(t, "SparX-5", root.Attributes["family"])
	assert.Equal(t, "65", root.Find(CapabilitiesName).Attributes["ifh-epid"])

	run := root.Find(RunName)
	require.NotNil(t, run)
	assert.Equal(t, []string{"domain = 0", "domain = 1", "domain = 2"}, childNames(run))
	assert.Equal(t, []string{
		"saved TOD holds while 1PPS is off",
		"saved TOD advances while 1PPS is on",
		"TOD after 1PPS",
	}, childNames(run.Children[0]))

	advance := run.Children[0].Children[1]
	assert.Equal(t, "seconds in [4, 6]", advance.Attributes["expected"])
	assert.Equal(t, "seconds 3 then 5", advance.Attributes["actual"])

	// Per domain: 2 s off, 1 s settle, 2 s on.
	assert.Len(t, b.clk.Slept(), 9)
	assert.Equal(t, 15*time.Second, b.clk.Now().Sub(clock.Epoch))
}

func TestRun_Jaguar2SamplesTimeOfDay(t *testing.T) {
	b := newBench(dut.FamilyJaguar2, dutsim.FaultNone)

	root, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)
	require.True(t, root.Aggregate().OK(), Failures(root))

	domain := root.Find("domain = 1")
	require.NotNil(t, domain)
	assert.Equal(t, []string{
		"saved TOD holds while 1PPS is off",
		"saved TOD advances while 1PPS is on",
		"TOD before sample",
		"TOD sample completes",
		"TOD after sample",
	}, childNames(domain))
	assert.Equal(t, "seconds = 2", domain.Children[2].Attributes["actual"])
	assert.Equal(t, "seconds = 5", domain.Children[4].Attributes["actual"])
}

func TestRun_ExecSlackWidensWindows(t *testing.T) {
	b := newBench(dut.FamilyJaguar2, dutsim.FaultNone)
	setup := looped
	setup.ExecSlack = 1

	root, err := Run(context.Background(), b.env, setup)
	require.NoError(t, err)
	require.True(t, root.Aggregate().OK(), Failures(root))

	domain := root.Find("domain = 0")
	assert.Equal(t, "seconds in [2, 3]", domain.Children[2].Attributes["expected"])
	assert.Equal(t, "seconds in [5, 7]", domain.Children[4].Attributes["expected"])
}

func TestRun_DetectsFaults(t *testing.T) {
	testCases := []struct {
		name    string
		family  dut.ChipFamily
		fault   dutsim.Fault
		check   string
		message string
	}{
		{
			name:    "saved TOD never latches",
			family:  dut.FamilySparX5,
			fault:   dutsim.FaultStaleSaved,
			check:   "saved TOD advances while 1PPS is on",
			message: "Case 1PPS is enabled. TOD in domain 0 was not as expected",
		},
		{
			name:    "saved TOD latches without output",
			family:  dut.FamilySparX5,
			fault:   dutsim.FaultFreeRunningSaved,
			check:   "saved TOD holds while 1PPS is off",
			message: "Case 1PPS is not enabled. TOD in domain 0 was not as expected",
		},
		{
			name:    "sample stays ongoing",
			family:  dut.FamilyJaguar2,
			fault:   dutsim.FaultAdjTimerOngoing,
			check:   "TOD sample completes",
			message: "TOD set ongoing must not be true",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBench(tc.family, tc.fault)

			root, err := Run(context.Background(), b.env, looped)
			require.NoError(t, err)
			assert.Equal(t, result.StatusFail, root.Aggregate())

			failed := root.Find("domain = 0").Find(tc.check)
			require.NotNil(t, failed)
			assert.Equal(t, result.StatusFail, failed.Status)
			assert.Contains(t, failed.Attributes["message"], "Assertion failed: "+tc.check)
			assert.Contains(t, failed.Attributes["message"], tc.message)

			// Every domain is still tested and the device is restored.
			assert.Len(t, root.Find(RunName).Children, DomainCount)
			assert.True(t, root.Find(CleanUpName).Aggregate().OK())
		})
	}
}

func TestRun_CapabilityChecks(t *testing.T) {
	testCases := []struct {
		name    string
		family  dut.ChipFamily
		setup   Setup
		message string
	}{
		{"unsupported family", dut.FamilyServalT, looped, "Family is 3 - must be 4 (Jaguar2) or 5 (SparX-5)."},
		{"not looped", dut.FamilySparX5, Setup{ExternalIOPin: DefaultPin}, "External clock must be looped"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBench(tc.family, dutsim.FaultNone)

			root, err := Run(context.Background(), b.env, tc.setup)
			require.NoError(t, err)

			assert.Equal(t, result.StatusFail, root.Aggregate())
			assert.Equal(t, []string{CapabilitiesName}, childNames(root))
			assert.Equal(t, "capability check failed", root.Attributes["skipped"])

			failures := Failures(root)
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], tc.message)

			// Nothing was touched.
			assert.Equal(t, "0-3", b.sim.VLANMembers(1))
			assert.Empty(t, b.sim.Commands())
		})
	}
}

func TestRun_CleanUpRestoresDevice(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	pinMode := dut.ExternalIOMode{
		Pin: dut.ExtIOOutput, Domain: 1, Freq: 1,
		Extra: map[string]json.RawMessage{"one_sec_pulse": json.RawMessage(`true`)},
	}
	b.sim.SetIOMode(DefaultPin, pinMode)
	clockMode := dut.ExternalClockMode{
		OnePPSMode: dut.OnePPSInput, Enable: true, Freq: 10,
		Extra: map[string]json.RawMessage{"domain": json.RawMessage(`2`)},
	}
	require.NoError(t, b.env.Device.SetExternalClockMode(context.Background(), clockMode))

	root, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)
	require.True(t, root.Aggregate().OK(), Failures(root))

	assert.Equal(t, pinMode, b.sim.IOMode(DefaultPin))
	assert.Equal(t, clockMode, b.sim.ClockMode())
	assert.True(t, b.sim.Polling())
	assert.Equal(t, []string{
		"mesa-cmd Debug Port Polling disable",
		"mesa-cmd Debug Port Polling enable",
	}, b.sim.Commands())

	// VLAN 1 stays empty.
	assert.Equal(t, "", b.sim.VLANMembers(1))

	assert.Equal(t, []string{
		"restore external clock mode",
		"restore external IO mode of pin 2",
		"enable port polling",
	}, childNames(root.Find(CleanUpName)))
}

func TestRun_WithoutShellSkipsPolling(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	b.env.Shell = nil

	root, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)
	require.True(t, root.Aggregate().OK(), Failures(root))

	step := root.Find("disable port polling")
	require.NotNil(t, step)
	assert.Equal(t, "no shell configured", step.Attributes["skipped"])
	assert.Nil(t, root.Find("enable port polling"))
	assert.Empty(t, b.sim.Commands())
	assert.True(t, b.sim.Polling())
}

// flakyCaller fails chosen calls, counted per method from 1.
type flakyCaller struct {
	dut.Caller
	fail  map[string]int
	calls map[string]int
}

func (f *flakyCaller) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	f.calls[method]++
	if f.fail[method] == f.calls[method] {
		return nil, &dut.RPCError{Code: dut.CodeInternalError, Message: "link down", Method: method}
	}
	return f.Caller.Call(ctx, method, params...)
}

func TestRun_DeviceErrorRecordsFailedOutputDisable(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	b.env.Device = dut.NewDevice(&flakyCaller{
		Caller: b.sim,
		fail: map[string]int{
			dut.MethodSavedTimeOfDayGet: 1,
			// The first set turns the output off before the domains; the
			// second is the recovery after domain 0 failed.
			dut.MethodExternalClockModeSet: 2,
		},
		calls: map[string]int{},
	})

	root, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)

	domain0 := root.Find("domain = 0")
	require.NotNil(t, domain0)
	assert.Equal(t, []string{"device call", "disable 1PPS output"}, childNames(domain0))
	assert.Contains(t, domain0.Children[1].Attributes["message"], "link down")

	// Later domains still run.
	assert.Len(t, root.Find(RunName).Children, DomainCount)
	assert.True(t, root.Find("domain = 1").Aggregate().OK(), Failures(root))
}

// cancellingClock cancels the run on its first sleep.
type cancellingClock struct {
	*clock.Manual
	cancel context.CancelFunc
}

func (c cancellingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	return c.Manual.Sleep(ctx, d)
}

func TestRun_CancelledRunStillCleansUp(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.env.Clock = cancellingClock{Manual: b.clk, cancel: cancel}
	clockMode := b.sim.ClockMode()

	root, err := Run(ctx, b.env, looped)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, root)

	run := root.Find(RunName)
	require.NotNil(t, run)
	assert.Len(t, run.Children, 1, "later domains are not started")
	assert.Equal(t, result.StatusFail, run.Aggregate())

	assert.True(t, root.Find(CleanUpName).Aggregate().OK())
	assert.Equal(t, clockMode, b.sim.ClockMode())
	assert.True(t, b.sim.Polling())
}

// cancelMidCall serves sim over WebSocket. The first saved time of day
// request cancels the run and is answered only after the client gave up.
func cancelMidCall(t *testing.T, sim *dutsim.Device, cancel context.CancelFunc) *httptest.Server {
	t.Helper()
	var fired atomic.Bool
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req dut.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == dut.MethodSavedTimeOfDayGet && fired.CompareAndSwap(false, true) {
				cancel()
				time.Sleep(200 * time.Millisecond)
			}
			resp := dut.Response{JSONRPC: "2.0", ID: req.ID}
			if res, err := sim.Dispatch(req.Method, req.Params); err != nil {
				resp.Error = &dut.RPCError{Code: dut.CodeInternalError, Message: err.Error()}
			} else {
				resp.Result = res
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRun_CancelledDuringCallStillCleansUpOverWebSocket(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	pinMode := dut.ExternalIOMode{Pin: dut.ExtIOOutput, Domain: 1, Freq: 1}
	b.sim.SetIOMode(DefaultPin, pinMode)
	clockMode := b.sim.ClockMode()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := cancelMidCall(t, b.sim, cancel)

	client, err := dut.Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	b.env.Device = dut.NewDevice(client)

	root, err := Run(ctx, b.env, looped)
	require.ErrorIs(t, err, context.Canceled)

	run := root.Find(RunName)
	require.NotNil(t, run)
	assert.Len(t, run.Children, 1)
	assert.NotNil(t, run.Find("device call"))

	cleanUp := root.Find(CleanUpName)
	require.NotNil(t, cleanUp)
	assert.True(t, cleanUp.Aggregate().OK(), Failures(cleanUp))
	assert.Len(t, cleanUp.Children, 3)
	assert.Equal(t, pinMode, b.sim.IOMode(DefaultPin))
	assert.Equal(t, clockMode, b.sim.ClockMode())
	assert.True(t, b.sim.Polling())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	b := newBench(dut.FamilySparX5, dutsim.FaultNone)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	root, err := Run(ctx, b.env, looped)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{CapabilitiesName}, childNames(root))
	assert.Empty(t, b.sim.Calls())
}

func TestAssertionError_Format(t *testing.T) {
	err := error(&AssertionError{
		Check:    "TOD after 1PPS",
		Message:  "TOD in domain 2 was not as expected",
		Expected: "seconds = 5",
		Actual:   "seconds = 4",
	})
	assert.Equal(t, "Assertion failed: TOD after 1PPS\n"+
		"  TOD in domain 2 was not as expected\n"+
		"  Expected: seconds = 5\n"+
		"  Actual: seconds = 4", err.Error())

	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Equal(t, "TOD after 1PPS", assertErr.Check)
}

func TestExpectSeconds(t *testing.T) {
	assert.NoError(t, expectSeconds("c", "", window{5, 6}, 5))
	assert.NoError(t, expectSeconds("c", "", window{5, 6}, 6))
	assert.Error(t, expectSeconds("c", "", window{5, 6}, 4))
	assert.Error(t, expectSeconds("c", "", window{5, 6}, 7))

	assert.Equal(t, "seconds = 5", window{5, 5}.String())
	assert.Equal(t, "seconds in [5, 7]", window{5, 7}.String())
}

func TestFailures_TreeOrder(t *testing.T) {
	root := result.New("root", result.StatusOK, nil)
	a := result.New("a", result.StatusOK, nil)
	record(a, "first", "x", "y", errors.New("first failed"))
	record(a, "passes", "x", "x", nil)
	root.AddChild(a)
	record(root, "second", "x", "y", errors.New("second failed"))

	assert.Equal(t, []string{"first failed", "second failed"}, Failures(root))
}

func TestRun_Jaguar2CallSequence(t *testing.T) {
	b := newBench(dut.FamilyJaguar2, dutsim.FaultNone)

	_, err := Run(context.Background(), b.env, looped)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "jaguar2_calls", []byte(strings.Join(b.sim.Calls(), "\n")+"\n"))
}
