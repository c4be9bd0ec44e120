// Package generator defines the opaque scene-generation adapter (C4) the
// spec treats as an external collaborator, here shaped as
// Generate(ctx, request) -> (scene, sceneID, err), where a nil err means
// success. Only the interface and a deterministic mock
// implementation live here — the real holographic reality generator is
// out of scope (spec §1).
package generator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/holoforge/scenecast/internal/domain"
)

// sceneIDNamespace seeds the deterministic sceneID derivation below, so a
// redelivered request (same jobID, at-least-once bus semantics per spec
// §4.1) always lands on the same sceneID regardless of which worker
// process or attempt produces it.
var sceneIDNamespace = uuid.MustParse("6f1b1f6e-6e8b-4f1a-9e66-6a1c2b9d6a8e")

// Generator is the capability the worker (C5) invokes for each request. It
// must respect ctx cancellation: when the deadline set by the worker
// elapses, Generate should return promptly with ctx.Err().
type Generator interface {
	Generate(ctx context.Context, req domain.SceneRequest) (scene json.RawMessage, sceneID string, err error)
}

// MockGenerator is a deterministic stand-in used in tests and local
// development ("variants of Generator are real and mock", spec §9). Its
// scene body is a JSON object holding the request's jobID and payload.
type MockGenerator struct {
	// FailTenants, if set, causes Generate to fail for requests from
	// those tenants, for exercising the worker's error path in tests.
	FailTenants map[string]bool
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{FailTenants: make(map[string]bool)}
}

func (g *MockGenerator) Generate(ctx context.Context, req domain.SceneRequest) (json.RawMessage, string, error) {
	if g.FailTenants[req.TenantID] {
		return nil, "", errGenerationFailed
	}

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	scene, err := json.Marshal(map[string]any{
		"jobID":   req.JobID,
		"payload": json.RawMessage(req.Payload),
	})
	if err != nil {
		return nil, "", err
	}
	return scene, uuid.NewSHA1(sceneIDNamespace, []byte(req.JobID)).String(), nil
}

var errGenerationFailed = genError("mock generator: forced failure")

type genError string

func (e genError) Error() string { return string(e) }
