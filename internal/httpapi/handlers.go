package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/tile-table/internal/hub"
)

type gameStatus struct {
	GameID  string `json:"gameId"`
	Players int    `json:"players"`
	Full    bool   `json:"full"`
}

// GetGame reports whether a game exists and how many players are in it.
func GetGame(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := strings.ToUpper(chi.URLParam(r, "gameID"))

		rm, err := h.Get(r.Context(), gameID)
		if errors.Is(err, hub.ErrRoomNotFound) {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		view, err := rm.View(r.Context())
		if err != nil {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gameStatus{
			GameID:  view.GameID,
			Players: len(view.Players),
			Full:    len(view.Players) >= h.MaxPlayers(),
		})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
