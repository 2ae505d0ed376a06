package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JobMessage is the broker payload describing one requested analysis.
type JobMessage struct {
	TaskID       string          `json:"task_id,omitempty"`
	CommandList  []string        `json:"command_list"`
	ProjectURL   string          `json:"project_url"`
	CommitHash   string          `json:"commit_hash,omitempty"`
	AccessToken  string          `json:"access_token,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	TaskMetadata json.RawMessage `json:"task_metadata,omitempty"` // opaque, echoed unchanged
}

// DecodeJobMessage parses and validates a job message.
func DecodeJobMessage(b []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if err := m.Validate(); err != nil {
		return JobMessage{}, err
	}
	return m, nil
}

func (m JobMessage) Validate() error {
	if len(m.CommandList) == 0 {
		return fmt.Errorf("%w: command_list is empty", ErrInvalidJob)
	}
	if strings.TrimSpace(m.ProjectURL) == "" {
		return fmt.Errorf("%w: project_url is empty", ErrInvalidJob)
	}
	return nil
}

// VersionNumber returns task_metadata.version_number when it is a non empty string.
func (m JobMessage) VersionNumber() string {
	if len(m.TaskMetadata) == 0 {
		return ""
	}
	var meta struct {
		VersionNumber any `json:"version_number"`
	}
	if err := json.Unmarshal(m.TaskMetadata, &meta); err != nil {
		return ""
	}
	switch v := meta.VersionNumber.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// Metadata returns task_metadata, or an empty object when the message had none.
func (m JobMessage) Metadata() json.RawMessage {
	trimmed := bytes.TrimSpace(m.TaskMetadata)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return m.TaskMetadata
}

// NormalizeProjectURL trims whitespace, trailing slashes and a .git suffix.
func NormalizeProjectURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

// ResultPayload is POSTed to the callback URL once a job finishes.
type ResultPayload struct {
	TaskID       string          `json:"task_id,omitempty"`
	CommandList  []string        `json:"command_list"`
	ProjectURL   string          `json:"project_url"`
	TaskMetadata json.RawMessage `json:"task_metadata"`
	ScanResults  map[string]any  `json:"scan_results"`
}

// NewResultPayload echoes the request fields of m into an empty payload.
func NewResultPayload(m JobMessage) ResultPayload {
	return ResultPayload{
		TaskID:       m.TaskID,
		CommandList:  append([]string(nil), m.CommandList...),
		ProjectURL:   NormalizeProjectURL(m.ProjectURL),
		TaskMetadata: m.Metadata(),
		ScanResults:  make(map[string]any, len(m.CommandList)),
	}
}

// ErrorResult occupies the scan_results slot of a check that failed.
type ErrorResult struct {
	Error string `json:"error"`
}
