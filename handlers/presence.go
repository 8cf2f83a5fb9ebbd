package handlers

import (
	"net/http"

	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/services"
)

// PresenceHandler exposes the online snapshot for clients that are not
// connected yet.
type PresenceHandler struct {
	presenceService services.PresenceService
}

// NewPresenceHandler creates a PresenceHandler.
func NewPresenceHandler(presenceService services.PresenceService) *PresenceHandler {
	return &PresenceHandler{presenceService: presenceService}
}

// Online godoc
// GET /api/presence
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, map[string][]string{
		"online_user_ids": h.presenceService.OnlineUserIDs(),
	})
}
