package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// Dispatch contract schema identities, per spec.md §4.4.
const (
	TypeDispatchResultImplementer = "dispatch.result.implementer"
	TypeDispatchResultReviewer    = "dispatch.result.reviewer"

	SchemaIDImplementer = "dispatch_result_implementer"
	SchemaIDReviewer    = "dispatch_result_reviewer"
	SchemaVersionV1     = "v1"
)

var implementerStatuses = map[string]bool{"completed": true, "blocked": true, "failed": true}
var reviewerAssessments = map[string]bool{"approved": true, "needs_changes": true, "blocked": true}
var reviewSeverities = map[string]bool{"critical": true, "important": true, "minor": true}

// RegisterDispatchContracts wires the implementer and reviewer contract
// validators into reg. Validators accept raw JSON bytes and decode
// strictly (unknown keys fail), matching spec.md's "strict: no extra keys,
// all required" contract.
func RegisterDispatchContracts(reg *Registry) {
	reg.Register(TypeDispatchResultImplementer, SchemaIDImplementer, SchemaVersionV1, validateImplementer)
	reg.Register(TypeDispatchResultReviewer, SchemaIDReviewer, SchemaVersionV1, validateReviewer)
}

func decodeStrict(payload any, out any) error {
	raw, err := asBytes(payload)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func asBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("re-marshal payload: %w", err)
		}
		return raw, nil
	}
}

func validateImplementer(payload any) error {
	var r domain.ImplementerResult
	if err := decodeStrict(payload, &r); err != nil {
		return err
	}
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if !implementerStatuses[r.Status] {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.FilesChanged == nil {
		return fmt.Errorf("files_changed is required")
	}
	if r.Tests == nil {
		return fmt.Errorf("tests is required")
	}
	if r.FollowUpActions == nil {
		return fmt.Errorf("follow_up_actions is required")
	}
	for i, test := range r.Tests {
		if test.Command == "" {
			return fmt.Errorf("tests[%d].command is required", i)
		}
	}
	return nil
}

func validateReviewer(payload any) error {
	var r domain.ReviewerResult
	if err := decodeStrict(payload, &r); err != nil {
		return err
	}
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if !reviewerAssessments[r.Assessment] {
		return fmt.Errorf("invalid assessment %q", r.Assessment)
	}
	if r.Strengths == nil {
		return fmt.Errorf("strengths is required")
	}
	if r.Issues == nil {
		return fmt.Errorf("issues is required")
	}
	if r.RequiredFixes == nil {
		return fmt.Errorf("required_fixes is required")
	}
	for i, issue := range r.Issues {
		if !reviewSeverities[issue.Severity] {
			return fmt.Errorf("issues[%d].severity invalid %q", i, issue.Severity)
		}
		if issue.Message == "" {
			return fmt.Errorf("issues[%d].message is required", i)
		}
	}
	return nil
}
