// internal/directory/handlers.go

package directory

import (
	"net/http"
	"strconv"

	"github.com/courseloop/courseloop-backend/internal/common/utils"
	"github.com/courseloop/courseloop-backend/internal/relay"
)

type Handler struct {
	repo     Repository
	presence *relay.Presence
}

func NewHandler(repo Repository, presence *relay.Presence) *Handler {
	return &Handler{
		repo:     repo,
		presence: presence,
	}
}

// Search handles GET /api/v1/directory
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	filter := &SearchFilter{
		Role:   r.URL.Query().Get("role"),
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	}

	if err := utils.ValidateStruct(filter); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := h.repo.Search(r.Context(), filter)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.attachOnlineStatus(r, entries)

	utils.SuccessResponse(w, entries, http.StatusOK)
}

func (h *Handler) attachOnlineStatus(r *http.Request, entries []*Entry) {
	if h.presence == nil || len(entries) == 0 {
		return
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	status, err := h.presence.OnlineStatus(r.Context(), ids)
	if err != nil {
		return
	}

	for _, e := range entries {
		e.IsOnline = status[e.ID]
	}
}
