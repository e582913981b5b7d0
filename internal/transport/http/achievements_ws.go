package http

import (
	"log"
	"net/http"

	"eduquest-engine/internal/app"
	"github.com/gorilla/websocket"
)

// AchievementsWSHandler streams a user's aggregated achievement view.
type AchievementsWSHandler struct {
	ledger   *app.AchievementLedger
	upgrader websocket.Upgrader
}

func NewAchievementsWSHandler(ledger *app.AchievementLedger) *AchievementsWSHandler {
	return &AchievementsWSHandler{ledger: ledger, upgrader: newUpgrader()}
}

// ServeWS sends the current snapshot on connect and a fresh one after every change.
func (h *AchievementsWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	snapshots, cancel, err := h.ledger.Watch(r.Context(), userID, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// the read side only detects the peer going away
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage[any]{Type: "achievements", Payload: snapshot}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-readerDone:
			return
		}
	}
}
