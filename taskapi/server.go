package taskapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// Server is the inbound task API: the competition infrastructure POSTs task
// batches and cancellations here, and operators read task status. Requests
// authenticate with the preshared key pair as HTTP basic auth.
type Server struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	KeyID    string
	Token    string
}

// taskMessage is one inbound batch of tasks.
type taskMessage struct {
	MessageID   string       `json:"message_id"`
	MessageTime int64        `json:"message_time"`
	Tasks       []taskDetail `json:"tasks"`
}

type taskDetail struct {
	TaskID      string            `json:"task_id"`
	Type        string            `json:"type"`
	ProjectName string            `json:"project_name"`
	Focus       string            `json:"focus"`
	Deadline    int64             `json:"deadline"`
	Source      []sourceDetail    `json:"source"`
	Metadata    map[string]string `json:"metadata"`
}

type sourceDetail struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

type deleteRequest struct {
	TaskID string `json:"task_id"`
	All    bool   `json:"all"`
}

type statusResponse struct {
	TaskID    string `json:"task_id"`
	State     string `json:"state"`
	Cancelled bool   `json:"cancelled"`
	Deadline  int64  `json:"deadline"`
}

func jsonError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// Mux returns the routed handler.
func (s *Server) Mux() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("POST /v1/task", s.auth(s.handleSubmit))
	mux.HandleFunc("POST /v1/task/delete", s.auth(s.handleDelete))
	mux.HandleFunc("GET /v1/task/{id}/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id, token, ok = r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(id), []byte(s.KeyID)) != 1 ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg taskMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, `{"detail":"malformed body"}`, http.StatusBadRequest)
		return
	}

	var accepted []string
	for i := range msg.Tasks {
		var task, err = buildTask(&msg.Tasks[i], msg.MessageTime)
		if err != nil {
			jsonError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err = s.admit(r.Context(), task); err != nil {
			log.WithError(err).WithField("task", task.TaskID).Error("task admission failed")
			http.Error(w, `{"detail":"admission failed"}`, http.StatusServiceUnavailable)
			return
		}
		accepted = append(accepted, task.TaskID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"accepted": accepted})
}

// admit registers a task and hands it to the downloader. Replayed batches
// are absorbed: a task already catalogued is not re-enqueued.
func (s *Server) admit(ctx context.Context, task *wire.Task) error {
	var _, err = s.Registry.Insert(ctx, task, registry.CatTasks, task.TaskID)
	if errors.Is(err, registry.ErrConflict) {
		log.WithField("task", task.TaskID).Info("task already admitted")
		return nil
	} else if err != nil {
		return err
	}

	_, err = s.Fabric.Push(ctx, wire.QueueTaskDownload, &wire.TaskDownload{Task: *task})
	return err
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.TaskID == "" && !req.All) {
		http.Error(w, `{"detail":"malformed body"}`, http.StatusBadRequest)
		return
	}
	var ctx = r.Context()

	if req.TaskID != "" {
		var _, err = s.Registry.UpdateTask(ctx, req.TaskID,
			func(task *wire.Task, exists bool) error {
				if !exists {
					return registry.ErrNotFound
				} else if task.Cancelled {
					return registry.ErrUnchanged
				}
				task.Cancelled = true
				return nil
			})
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, `{"detail":"no such task"}`, http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, `{"detail":"cancel failed"}`, http.StatusServiceUnavailable)
			return
		}
	}

	if _, err := s.Fabric.Push(ctx, wire.QueueTaskDelete,
		&wire.TaskDelete{TaskID: req.TaskID, All: req.All}); err != nil {
		http.Error(w, `{"detail":"broadcast failed"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var task, _, err = s.Registry.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, `{"detail":"no such task"}`, http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, `{"detail":"lookup failed"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		TaskID:    task.TaskID,
		State:     task.State.String(),
		Cancelled: task.Cancelled,
		Deadline:  task.DeadlineMS,
	})
}

func buildTask(d *taskDetail, messageMS int64) (*wire.Task, error) {
	var task = &wire.Task{
		TaskID:      d.TaskID,
		ProjectName: d.ProjectName,
		Focus:       d.Focus,
		DeadlineMS:  d.Deadline,
		Metadata:    d.Metadata,
		MessageMS:   messageMS,
		State:       wire.TaskStatePending,
	}
	switch d.Type {
	case "full":
		task.Kind = wire.TaskKindFull
	case "delta":
		task.Kind = wire.TaskKindDelta
	default:
		return nil, errors.New("unknown task type " + d.Type)
	}
	for _, src := range d.Source {
		var st wire.SourceType
		switch src.Type {
		case "repo":
			st = wire.SourceTypeRepo
		case "fuzz-tooling":
			st = wire.SourceTypeFuzzTooling
		case "diff":
			st = wire.SourceTypeDiff
		default:
			return nil, errors.New("unknown source type " + src.Type)
		}
		task.Sources = append(task.Sources, wire.SourceDetail{
			SHA256: strings.ToLower(src.SHA256),
			Type:   st,
			URL:    src.URL,
		})
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}
