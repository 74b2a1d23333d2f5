package dut_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/backcompat/internal/clock"
	"github.com/roach88/backcompat/internal/dut"
	"github.com/roach88/backcompat/internal/dut/dutsim"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialSim(t *testing.T, sim *dutsim.Device) *dut.Client {
	t.Helper()
	server := httptest.NewServer(sim.Handler(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(server.Close)

	client, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_TypedCallsOverWebSocket(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual()
	sim := dutsim.New(dutsim.Options{Family: dut.FamilyJaguar2, Clock: clk, EPID: 65})
	device := dut.NewDevice(dialSim(t, sim))

	family, err := device.ChipFamily(ctx)
	require.NoError(t, err)
	assert.Equal(t, dut.FamilyJaguar2, family)
	assert.Equal(t, "Jaguar2", family.String())

	epid, err := device.Capability(ctx, dut.CapPacketIFHEPID)
	require.NoError(t, err)
	assert.Equal(t, int64(65), epid)

	require.NoError(t, device.SetDomainTimeOfDay(ctx, 1, dut.Timestamp{Seconds: 100}))
	clk.Advance(1500 * time.Millisecond)
	tod, err := device.DomainTimeOfDay(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(101), tod.Seconds)
	assert.Equal(t, uint32(500_000_000), tod.Nanoseconds)

	pinMode := dut.ExternalIOMode{Pin: dut.ExtIOSave, Domain: 1}
	require.NoError(t, device.SetExternalIOMode(ctx, 2, pinMode))
	gotPin, err := device.ExternalIOMode(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, pinMode, gotPin)

	clockMode, err := device.ExternalClockMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, dut.OnePPSDisable, clockMode.OnePPSMode)

	ongoing, err := device.AdjTimerOneSec(ctx)
	require.NoError(t, err)
	assert.False(t, ongoing)

	require.NoError(t, device.SetVLANPortMembers(ctx, 1, ""))
	assert.Equal(t, "", sim.VLANMembers(1))
}

func TestClient_DeviceErrorsAreRPCErrors(t *testing.T) {
	client := dialSim(t, dutsim.New(dutsim.Options{Clock: clock.NewManual()}))

	_, err := client.Call(context.Background(), "mesa_no_such_call")
	var rpcErr *dut.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dut.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "mesa_no_such_call", rpcErr.Method)

	_, err = dut.NewDevice(client).DomainTimeOfDay(context.Background(), 7)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, dut.CodeInvalidParams, rpcErr.Code)
	assert.Contains(t, rpcErr.Error(), "domain 7 out of range")
}

// scriptedServer answers each request with the frames produced by reply.
func scriptedServer(t *testing.T, reply func(req dut.Request) []dut.Response) *httptest.Server {
	t.Helper()
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
			for _, resp := range reply(req) {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClient_SkipsRepliesToOtherCalls(t *testing.T) {
	server := scriptedServer(t, func(req dut.Request) []dut.Response {
		return []dut.Response{
			{JSONRPC: "2.0", ID: req.ID + 100, Result: json.RawMessage(`"stale"`)},
			{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"fresh"`)},
		}
	})

	client, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer client.Close()

	raw, err := client.Call(context.Background(), "echo")
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(raw))
}

func TestClient_SendsPositionalParams(t *testing.T) {
	var got dut.Request
	server := scriptedServer(t, func(req dut.Request) []dut.Response {
		got = req
		return []dut.Response{{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)}}
	})

	client, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer client.Close()

	mode := dut.ExternalIOMode{Pin: dut.ExtIOSave, Domain: 2}
	require.NoError(t, dut.NewDevice(client).SetExternalIOMode(context.Background(), 2, mode))

	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, dut.MethodExternalIOModeSet, got.Method)
	require.Len(t, got.Params, 2)
	assert.JSONEq(t, `2`, string(got.Params[0]))
	assert.JSONEq(t, `{"pin": "MESA_TS_EXT_IO_MODE_ONE_PPS_SAVE", "domain": 2, "freq": 0}`, string(got.Params[1]))
}

func TestClient_ContextCancelsPendingCall(t *testing.T) {
	server := scriptedServer(t, func(dut.Request) []dut.Response { return nil })

	client, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Call(ctx, "never_answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_RedialsAfterAbortedCall(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		for {
			var req dut.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "slow" {
				time.Sleep(200 * time.Millisecond)
			}
			resp := dut.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"` + req.Method + `"`)}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = client.Call(ctx, "slow")
	require.ErrorIs(t, err, context.Canceled)

	// Teardown runs detached from the cancelled context.
	raw, err := client.Call(context.WithoutCancel(ctx), dut.MethodExternalClockModeSet)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+dut.MethodExternalClockModeSet+`"`, string(raw))
	assert.Equal(t, int32(2), conns.Load())

	raw, err = client.Call(context.Background(), "fast")
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(raw))
	assert.Equal(t, int32(2), conns.Load(), "a healthy connection is reused")
}

func TestDial_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := dut.Dial(context.Background(), wsURL(server), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
}

// fakeCaller returns a canned result.
type fakeCaller struct {
	result string
}

func (f fakeCaller) Call(context.Context, string, ...any) (json.RawMessage, error) {
	return json.RawMessage(f.result), nil
}

func TestDevice_MultipleOutputsTakeFirst(t *testing.T) {
	testCases := []struct {
		name    string
		result  string
		want    uint32
		wantErr bool
	}{
		{"array", `[{"seconds": 5, "nanoseconds": 1}, 42]`, 5, false},
		{"bare object", `{"seconds": 6}`, 6, false},
		{"empty array", `[]`, 0, true},
		{"wrong type", `["x"]`, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts, err := dut.NewDevice(fakeCaller{tc.result}).SavedTimeOfDay(context.Background(), 2)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ts.Seconds)
		})
	}
}

// recordingCaller answers gets from results and records the params of every
// call.
type recordingCaller struct {
	results map[string]string
	sent    map[string][]json.RawMessage
}

func (r *recordingCaller) Call(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	raw, err := dut.EncodeParams(params...)
	if err != nil {
		return nil, err
	}
	r.sent[method] = raw
	if res, ok := r.results[method]; ok {
		return json.RawMessage(res), nil
	}
	return json.RawMessage(`null`), nil
}

func TestDevice_ModesKeepUnmodelledMembers(t *testing.T) {
	ctx := context.Background()
	caller := &recordingCaller{
		results: map[string]string{
			dut.MethodExternalClockModeGet: `{"one_pps_mode": "MESA_TS_EXT_CLOCK_MODE_ONE_PPS_INPUT", "enable": true, "freq": 10, "domain": 2}`,
			dut.MethodExternalIOModeGet:    `{"pin": "MESA_TS_EXT_IO_MODE_ONE_PPS_OUTPUT", "domain": 1, "freq": 1, "one_sec_pulse": true}`,
		},
		sent: map[string][]json.RawMessage{},
	}
	device := dut.NewDevice(caller)

	clockMode, err := device.ExternalClockMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, dut.OnePPSInput, clockMode.OnePPSMode)
	assert.JSONEq(t, `2`, string(clockMode.Extra["domain"]))

	ioMode, err := device.ExternalIOMode(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ioMode.Domain)
	assert.JSONEq(t, `true`, string(ioMode.Extra["one_sec_pulse"]))

	require.NoError(t, device.SetExternalClockMode(ctx, clockMode))
	require.NoError(t, device.SetExternalIOMode(ctx, 2, ioMode))

	assert.JSONEq(t, caller.results[dut.MethodExternalClockModeGet],
		string(caller.sent[dut.MethodExternalClockModeSet][0]))
	assert.JSONEq(t, caller.results[dut.MethodExternalIOModeGet],
		string(caller.sent[dut.MethodExternalIOModeSet][1]))

	// Modelled members win over a stale copy in Extra.
	clockMode.Enable = false
	clockMode.Extra["enable"] = json.RawMessage(`true`)
	require.NoError(t, device.SetExternalClockMode(ctx, clockMode))
	assert.JSONEq(t, `{"one_pps_mode": "MESA_TS_EXT_CLOCK_MODE_ONE_PPS_INPUT", "enable": false, "freq": 10, "domain": 2}`,
		string(caller.sent[dut.MethodExternalClockModeSet][0]))
}

func TestDevice_ModesWithoutExtraMembers(t *testing.T) {
	var mode dut.ExternalIOMode
	require.NoError(t, json.Unmarshal([]byte(`{"pin": "MESA_TS_EXT_IO_MODE_ONE_PPS_SAVE", "domain": 0, "freq": 0}`), &mode))
	assert.Nil(t, mode.Extra)
	assert.Equal(t, dut.ExternalIOMode{Pin: dut.ExtIOSave}, mode)
}

func TestParseChipFamily(t *testing.T) {
	testCases := []struct {
		name string
		want dut.ChipFamily
	}{
		{"SparX-5", dut.FamilySparX5},
		{"sparx5", dut.FamilySparX5},
		{"JAGUAR2", dut.FamilyJaguar2},
		{"lan966x", dut.FamilyLAN966x},
	}
	for _, tc := range testCases {
		got, err := dut.ParseChipFamily(tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	_, err := dut.ParseChipFamily("unknown")
	require.Error(t, err)
}
