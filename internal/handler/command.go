package handler

import (
	"net/http"
)

// RunCommand validates and runs an allow-listed shell command in the
// project's sandbox working directory.
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	var in struct {
		Command string `json:"command"`
	}
	if err := h.DecodeJSON(r, &in); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.commandGateway.Run(r.Context(), project.ID, in.Command)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, result)
}
