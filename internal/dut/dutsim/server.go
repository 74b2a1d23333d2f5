package dutsim

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roach88/backcompat/internal/dut"
)

// Handler serves the device's JSON-RPC surface over WebSocket.
func (d *Device) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		for {
			var req dut.Request
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("ws read ended", "remote", r.RemoteAddr, "error", err)
				}
				return
			}

			resp := dut.Response{JSONRPC: "2.0", ID: req.ID}
			result, err := d.Dispatch(req.Method, req.Params)
			if err != nil {
				resp.Error = rpcError(err)
			} else {
				resp.Result = result
			}

			if err := conn.WriteJSON(resp); err != nil {
				logger.Debug("ws write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	})
}

func rpcError(err error) *dut.RPCError {
	var e *dut.RPCError
	if errors.As(err, &e) {
		return e
	}
	return &dut.RPCError{Code: dut.CodeInternalError, Message: err.Error()}
}
