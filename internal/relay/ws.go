package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"relaylobby/internal/transport"
)

const writeTimeout = 3 * time.Second

// WSHandler attaches a client's notification stream. The socket is
// one-directional: the relay writes frames, the client only reads.
func WSHandler(h *Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := r.URL.Query().Get("account")
		if account == "" {
			http.Error(w, "missing account", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan transport.Frame, 64)
		h.Inbox() <- Attach{AccountID: account, Outbox: out}
		defer func() { h.Inbox() <- Detach{AccountID: account} }()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for f := range out {
				payload, err := json.Marshal(f)
				if err != nil {
					log.Error("frame marshal failed", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				werr := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if werr != nil {
					return
				}
			}
		}()

		// Drain reads until the peer goes away.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}
}
