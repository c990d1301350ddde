package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/fieldnote-hq/fieldnote/internal/middleware"
	"github.com/fieldnote-hq/fieldnote/internal/models"
	"github.com/fieldnote-hq/fieldnote/internal/services"
)

type Router struct {
	instances *services.InstanceService
	answers   *services.AnswerService
	projector *services.ProjectorService
}

func NewRouter(instances *services.InstanceService, answers *services.AnswerService, projector *services.ProjectorService) *Router {
	return &Router{instances: instances, answers: answers, projector: projector}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/questionnaireInstances/", rt.handleInstanceScoped) // GET/PUT {id}, answers subroutes
	mux.HandleFunc("/api/user/questionnaireInstances", rt.handleUserInstances)
	mux.HandleFunc("/api/files/", rt.handleFile) // GET {id}
}

func tokenFrom(r *http.Request) (services.AccessToken, bool) {
	c, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return services.AccessToken{}, false
	}
	return services.AccessToken{
		Username: c.Username,
		Role:     services.Role(c.Role),
		Studies:  c.Studies,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Permission failures, missing instances, and state-guard rejections all
// collapse into 404: callers must not be able to probe for instances they
// cannot see, and the upstream clients rely on that single signal.
func writeServiceError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		switch se.Code {
		case services.ErrorInvalid:
			http.Error(w, se.Message, http.StatusBadRequest)
		case services.ErrorUnauthorized:
			http.Error(w, se.Message, http.StatusUnauthorized)
		case services.ErrorConflict:
			http.Error(w, se.Message, http.StatusConflict)
		case services.ErrorNotFound, services.ErrorForbidden, services.ErrorWrongState:
			http.Error(w, "questionnaire instance not found", http.StatusNotFound)
		default:
			http.Error(w, se.Message, http.StatusInternalServerError)
		}
		return
	}
	log.Printf("[api] internal error: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (rt *Router) handleInstanceScoped(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/questionnaireInstances/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			rt.getInstance(w, token, id)
		case http.MethodPut:
			rt.updateInstance(w, r, token, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "answers":
		switch r.Method {
		case http.MethodGet:
			rt.getAnswers(w, token, id)
		case http.MethodPost:
			rt.postAnswers(w, r, token, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "answersHistorical":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.getAnswersHistorical(w, token, id)
	case len(parts) == 3 && parts[1] == "answers":
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		optionID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid answer option id", http.StatusBadRequest)
			return
		}
		rt.deleteAnswer(w, token, id, optionID)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) getInstance(w http.ResponseWriter, token services.AccessToken, id int64) {
	view, err := rt.projector.ProjectInstance(token, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) updateInstance(w http.ResponseWriter, r *http.Request, token services.AccessToken, id int64) {
	var req struct {
		Status         *models.InstanceStatus `json:"status"`
		Progress       *int                   `json:"progress"`
		ReleaseVersion *int                   `json:"release_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inst, err := rt.instances.UpdateInstance(token, id, services.InstanceUpdate{
		Status:         req.Status,
		Progress:       req.Progress,
		ReleaseVersion: req.ReleaseVersion,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (rt *Router) postAnswers(w http.ResponseWriter, r *http.Request, token services.AccessToken, id int64) {
	var req struct {
		Answers []services.AnswerSubmission `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stored, err := rt.answers.SubmitAnswers(token, id, req.Answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": stored})
}

func (rt *Router) getAnswers(w http.ResponseWriter, token services.AccessToken, id int64) {
	answers, err := rt.answers.GetAnswers(token, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

func (rt *Router) getAnswersHistorical(w http.ResponseWriter, token services.AccessToken, id int64) {
	answers, err := rt.answers.GetAnswersHistorical(token, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

func (rt *Router) deleteAnswer(w http.ResponseWriter, token services.AccessToken, instanceID, optionID int64) {
	if err := rt.answers.DeleteAnswer(token, instanceID, optionID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/user/questionnaireInstances?status=active,in_progress
func (rt *Router) handleUserInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, ok := tokenFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var statuses []models.InstanceStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, models.InstanceStatus(strings.TrimSpace(s)))
		}
	}
	instances, err := rt.instances.ListUserInstances(token, statuses)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if instances == nil {
		instances = []*models.QuestionnaireInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questionnaireInstances": instances})
}

// GET /api/files/{id}
func (rt *Router) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, ok := tokenFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	file, err := rt.answers.GetFile(token, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}
