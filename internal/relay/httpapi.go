package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relaylobby/internal/transport"
)

// Funding is the account surface the HTTP API exposes; *Store satisfies it.
type Funding interface {
	Balance(id string) (int64, error)
	TopUp(id string, amount int64) (int64, error)
}

// Routes builds the relay node's HTTP surface.
func Routes(h *Hub, funding Funding, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Post("/sessions", createSession(h))
	r.Post("/sessions/{anchor}/join", joinSession(h))
	r.Get("/sessions", searchSessions(h))
	r.Post("/messages", postMessage(h))
	r.Get("/accounts/{id}/balance", getBalance(funding, log))
	r.Post("/accounts/{id}/topup", topUp(funding, log))
	r.Get("/ws", WSHandler(h, log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func createSession(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID   string `json:"accountId"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			MaxMembers  int    `json:"maxMembers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := make(chan SessionReply, 1)
		h.Inbox() <- CreateSession{
			AccountID: req.AccountID, DisplayName: req.DisplayName,
			Name: req.Name, MaxMembers: req.MaxMembers, Reply: reply,
		}
		res := <-reply
		if res.Err != nil {
			http.Error(w, res.Err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, res.Info)
	}
}

func joinSession(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID   string `json:"accountId"`
			DisplayName string `json:"displayName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := make(chan SessionReply, 1)
		h.Inbox() <- JoinSession{
			AccountID: req.AccountID, DisplayName: req.DisplayName,
			Anchor: chi.URLParam(r, "anchor"), Reply: reply,
		}
		res := <-reply
		switch {
		case errors.Is(res.Err, ErrSessionNotFound):
			http.Error(w, res.Err.Error(), http.StatusNotFound)
		case errors.Is(res.Err, ErrSessionFull):
			http.Error(w, res.Err.Error(), http.StatusConflict)
		case res.Err != nil:
			http.Error(w, res.Err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, res.Info)
		}
	}
}

func searchSessions(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []transport.Match, 1)
		h.Inbox() <- Search{Prefix: r.URL.Query().Get("prefix"), Reply: reply}
		writeJSON(w, http.StatusOK, <-reply)
	}
}

func postMessage(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID string          `json:"accountId"`
			Target    string          `json:"target"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" || req.Target == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := make(chan error, 1)
		h.Inbox() <- Deliver{From: req.AccountID, Target: req.Target, Payload: req.Payload, Reply: reply}
		switch err := <-reply; {
		case errors.Is(err, ErrInsufficientBalance):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		case errors.Is(err, ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func getBalance(funding Funding, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if funding == nil {
			http.Error(w, "metering disabled", http.StatusNotImplemented)
			return
		}
		bal, err := funding.Balance(chi.URLParam(r, "id"))
		if err != nil {
			log.Error("balance lookup failed", zap.Error(err))
			http.Error(w, "balance lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"balance": bal})
	}
}

func topUp(funding Funding, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if funding == nil {
			http.Error(w, "metering disabled", http.StatusNotImplemented)
			return
		}
		var req struct {
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		bal, err := funding.TopUp(chi.URLParam(r, "id"), req.Amount)
		if err != nil {
			log.Error("top-up failed", zap.Error(err))
			http.Error(w, "top-up failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"balance": bal})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
