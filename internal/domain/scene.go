package domain

import (
	"encoding/json"
	"time"

	"github.com/holoforge/scenecast/internal/errs"
)

// MaxPayloadBytes is the enforced upper bound on SceneRequest.Payload per
// spec §3.
const MaxPayloadBytes = 64 * 1024

// MaxSceneBytes is the upper bound SceneResult.Validate checks on
// SceneResult.Scene, per spec §3. SceneRecord has no size check.
const MaxSceneBytes = 256 * 1024

// SceneRequest is a client-submitted generation job, published on
// reality.gen.request.
type SceneRequest struct {
	JobID       string          `json:"jobID"`
	TenantID    string          `json:"tenantID"`
	Payload     json.RawMessage `json:"payload"`
	Deadline    time.Time       `json:"deadline"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Validate enforces the invariants from spec §3: deadline after
// submittedAt, payload within the size cap.
func (r SceneRequest) Validate() error {
	if r.JobID == "" {
		return errInvalid("jobID is required")
	}
	if r.TenantID == "" {
		return errInvalid("tenantID is required")
	}
	if len(r.Payload) > MaxPayloadBytes {
		return errInvalid("payload exceeds 64 KiB")
	}
	if !r.Deadline.After(r.SubmittedAt) {
		return errInvalid("deadline must be after submittedAt")
	}
	return nil
}

// ResultErrorKind enumerates the structured failure reasons a SceneResult
// can carry when Success is false.
type ResultErrorKind string

const (
	ResultErrorExpired ResultErrorKind = "expired"
	ResultErrorTimeout ResultErrorKind = "timeout"
	ResultErrorInvalid ResultErrorKind = "invalid"
	ResultErrorGenFail ResultErrorKind = "generation_failed"
)

// SceneResult is published on reality.gen.result after a worker finishes
// handling a SceneRequest (successfully or not).
type SceneResult struct {
	JobID      string          `json:"jobID"`
	Success    bool            `json:"success"`
	SceneID    string          `json:"sceneID,omitempty"`
	Scene      json.RawMessage `json:"scene,omitempty"`
	ErrorKind  ResultErrorKind `json:"errorKind,omitempty"`
	Error      string          `json:"error,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
	WorkerID   string          `json:"workerID"`
	LatencyMs  int64           `json:"latencyMs"`
}

// Validate enforces "exactly one of scene or error is set".
func (r SceneResult) Validate() error {
	if r.JobID == "" {
		return errInvalid("jobID is required")
	}
	if r.Success {
		if r.SceneID == "" || len(r.Scene) == 0 {
			return errInvalid("success result requires sceneID and scene")
		}
		if len(r.Scene) > MaxSceneBytes {
			return errInvalid("scene exceeds 256 KiB")
		}
		if r.Error != "" {
			return errInvalid("success result must not carry error")
		}
	} else {
		if r.Error == "" {
			return errInvalid("failure result requires error")
		}
		if r.SceneID != "" || len(r.Scene) != 0 {
			return errInvalid("failure result must not carry scene")
		}
	}
	return nil
}

// SceneRecord is the persisted form of a successful generation, owned
// exclusively by the scene store (C2).
type SceneRecord struct {
	SceneID    string          `json:"sceneID"`
	TenantID   string          `json:"tenantID"`
	Scene      json.RawMessage `json:"scene"`
	CreatedAt  time.Time       `json:"createdAt"`
	ProducedBy string          `json:"producedBy"`
}

// Frame is a scene packaged for live delivery by the broadcast engine (C7).
// Frames are transient and are never persisted.
type Frame struct {
	SceneID  string          `json:"sceneID"`
	TenantID string          `json:"tenantID"`
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Body     json.RawMessage `json:"body"`
}

func errInvalid(msg string) error {
	return errs.New(errs.InvalidRequest, msg)
}
