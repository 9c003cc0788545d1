package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowline/internal/engine"
	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/model"
)

func handleTaskComplete(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Values map[string]any `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		detail, message, err := e.CompleteTask(r.Context(), rctx, taskID, body.Values)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"message": message, "flow": detail})
	}
}

func handleTaskReject(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Comment string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		detail, message, err := e.RejectTask(r.Context(), rctx, taskID, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"message": message, "flow": detail})
	}
}

func handleTaskReassign(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			NewAssigneeID string `json:"new_assignee_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.NewAssigneeID == "" {
			WriteError(w, model.NewBadRequestError("new_assignee_id is required"))
			return
		}

		detail, err := e.ReassignTask(r.Context(), rctx, taskID, body.NewAssigneeID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"flow": detail})
	}
}

func handleMyTasks(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		tasks, err := e.UserTasks(r.Context(), rctx.UserID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

// handleUserTasks serves another user's queue. Only the user themselves or
// an admin may view it.
func handleUserTasks(e *engine.Engine, users identity.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		userID := chi.URLParam(r, "userId")

		if userID != rctx.UserID {
			actor, err := users.Get(r.Context(), rctx.UserID)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError("acting user is not known to the directory"))
				return
			}
			if !actor.IsAdmin() {
				WriteError(w, model.NewForbiddenError("only an admin may view another user's tasks"))
				return
			}
		}

		tasks, err := e.UserTasks(r.Context(), userID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}
