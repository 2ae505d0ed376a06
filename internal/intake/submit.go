package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"

	"github.com/go-chi/render"
)

const accepted = "Message received, processing."

// Submission is the body of POST /opencheck.
type Submission struct {
	Commands     []string        `json:"commands"`
	ProjectURL   string          `json:"project_url"`
	CommitHash   string          `json:"commit_hash"`
	AccessToken  string          `json:"access_token"`
	CallbackURL  string          `json:"callback_url"`
	TaskMetadata json.RawMessage `json:"task_metadata"`
}

// Problems lists everything wrong with s, nil for a valid submission.
func (s Submission) Problems() []string {
	var problems []string
	if len(s.Commands) == 0 {
		problems = append(problems, "commands: must be a non empty array of strings")
	}
	for i, c := range s.Commands {
		if strings.TrimSpace(c) == "" {
			problems = append(problems, fmt.Sprintf("commands[%d]: must not be empty", i))
		}
	}
	if err := absoluteURL(s.ProjectURL, "https"); err != nil {
		problems = append(problems, "project_url: "+err.Error())
	}
	if err := absoluteURL(s.CallbackURL, "http", "https"); err != nil {
		problems = append(problems, "callback_url: "+err.Error())
	}
	if meta := bytes.TrimSpace(s.TaskMetadata); len(meta) > 0 && !bytes.Equal(meta, []byte("null")) {
		var obj map[string]json.RawMessage
		if meta[0] != '{' || json.Unmarshal(meta, &obj) != nil {
			problems = append(problems, "task_metadata: must be an object")
		}
	}
	return problems
}

// Job converts a valid submission into the broker payload.
func (s Submission) Job(taskID string) model.JobMessage {
	meta := bytes.TrimSpace(s.TaskMetadata)
	if len(meta) == 0 || bytes.Equal(meta, []byte("null")) {
		meta = []byte("{}")
	}
	return model.JobMessage{
		TaskID:       taskID,
		CommandList:  append([]string(nil), s.Commands...),
		ProjectURL:   strings.TrimSpace(s.ProjectURL),
		CommitHash:   s.CommitHash,
		AccessToken:  s.AccessToken,
		CallbackURL:  strings.TrimSpace(s.CallbackURL),
		TaskMetadata: json.RawMessage(meta),
	}
}

func absoluteURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("is not a valid url")
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.New("must be an absolute url")
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}

type problemResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

type submitResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	if !user.Can(auth.CapabilitySubmit) {
		fail(w, r, http.StatusForbidden, "not allowed to submit jobs")
		return
	}

	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		invalid(w, r, decodeProblem(err))
		return
	}
	if problems := sub.Problems(); len(problems) > 0 {
		invalid(w, r, problems...)
		return
	}

	taskID := s.newID()
	job := sub.Job(taskID)
	ctx := log.ContextAttrs(r.Context(),
		slog.String("task_id", taskID),
		slog.String("user_id", user.ID),
		slog.String("project_url", job.ProjectURL),
	)
	body, err := json.Marshal(job)
	if err != nil {
		slog.ErrorContext(ctx, "encoding job", "error", err)
		fail(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.pub.Publish(ctx, s.queue, broker.Message{ID: taskID, Body: body}); err != nil {
		slog.ErrorContext(ctx, "publishing job", "error", err)
		fail(w, r, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	slog.InfoContext(ctx, "job accepted", "commands", job.CommandList)
	render.JSON(w, r, submitResponse{Message: accepted, TaskID: taskID})
}

func invalid(w http.ResponseWriter, r *http.Request, problems ...string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, problemResponse{Error: "invalid submission", Problems: problems})
}

func decodeProblem(err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return fmt.Sprintf("%s: unexpected %s", typeErr.Field, typeErr.Value)
	case errors.Is(err, io.EOF):
		return "body: is empty"
	default:
		return "body: is not valid json"
	}
}
