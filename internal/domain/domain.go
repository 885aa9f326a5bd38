// Package domain holds the shared vocabulary of the dispatch runtime: the
// event envelope, the run snapshot, session facts, budget types, and the
// dispatch contracts. Every other internal package imports domain rather
// than redeclaring these shapes, so a run id or an event type means the
// same thing everywhere.
package domain

import "time"

// EventType enumerates the kinds of envelopes the event stream carries.
type EventType string

const (
	EventLLMRequest        EventType = "LLM_REQUEST"
	EventLLMResponse       EventType = "LLM_RESPONSE"
	EventBudgetDecision    EventType = "BUDGET_DECISION"
	EventInterceptorDecision EventType = "INTERCEPTOR_DECISION"
	EventStateDelta        EventType = "STATE_DELTA"
	EventError             EventType = "ERROR"
)

// RunStatus enumerates the lifecycle states of a Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunBlocked RunStatus = "blocked"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Envelope is a single immutable event on the partitioned event stream.
type Envelope struct {
	EventID         string                 `json:"event_id"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	PartitionKey    string                 `json:"partition_key"`
	Sequence        int64                  `json:"sequence"`
	CausalParentID  string                 `json:"causal_parent_id,omitempty"`
	ProducerTS      time.Time              `json:"producer_ts"`
	RunID           string                 `json:"run_id"`
	StepID          string                 `json:"step_id,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	Type            EventType              `json:"type"`
	Payload         map[string]any         `json:"payload"`
	SchemaVersion   string                 `json:"schema_version"`
}

// AppliedOffset records the highest sequence number a snapshot has applied
// for a given partition.
type AppliedOffset struct {
	PartitionKey string `json:"partition_key"`
	Sequence     int64  `json:"sequence"`
}

// PendingWrite is a single outbound side-effect recorded on a snapshot.
type PendingWrite struct {
	Channel string `json:"channel"`
	TaskID  string `json:"task_id"`
	Value   any    `json:"value"`
}

// Fact is a carry-over piece of context attached to a run's snapshot by the
// state projector (distinct from a session.Fact, which is retrieval-scored
// carryover between tasks).
type Fact struct {
	K          string `json:"k"`
	V          string `json:"v"`
	Confidence float64 `json:"confidence"`
}

// TokenBudget tracks remaining input/output token allowance for a run.
type TokenBudget struct {
	RemainingInput  int `json:"remaining_input"`
	RemainingOutput int `json:"remaining_output"`
}

// Snapshot is the revisioned, idempotently-projected state of a run.
type Snapshot struct {
	RunID          string          `json:"run_id"`
	Revision       int64           `json:"revision"`
	ProjectorVer   string          `json:"projector_version"`
	AppliedOffsets []AppliedOffset `json:"applied_offsets"`
	ParentConfig   string          `json:"parent_config"`
	PendingWrites  []PendingWrite  `json:"pending_writes"`
	Status         RunStatus       `json:"status"`
	Goal           string          `json:"goal"`
	Facts          []Fact          `json:"facts"`
	TokenBudget    TokenBudget     `json:"token_budget"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable slices with the
// store's internal state.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.AppliedOffsets = append([]AppliedOffset(nil), s.AppliedOffsets...)
	cp.PendingWrites = append([]PendingWrite(nil), s.PendingWrites...)
	cp.Facts = append([]Fact(nil), s.Facts...)
	return &cp
}

// AppliedOffset returns the applied sequence for a partition, or 0 if none.
func (s *Snapshot) AppliedOffset(partitionKey string) int64 {
	if s == nil {
		return 0
	}
	for _, o := range s.AppliedOffsets {
		if o.PartitionKey == partitionKey {
			return o.Sequence
		}
	}
	return 0
}

// SessionRole enumerates which agent role produced a session fact.
type SessionRole string

const (
	RoleImplementer SessionRole = "implementer"
	RoleReviewer    SessionRole = "reviewer"
)

// FactTag enumerates the closed set of session-fact tags.
type FactTag string

const (
	TagFileChange FactTag = "file_change"
	TagConvention FactTag = "convention"
	TagDecision   FactTag = "decision"
	TagError      FactTag = "error"
	TagDependency FactTag = "dependency"
	TagTest       FactTag = "test"
)

// SessionFact is a subject/relation/object triple carried between tasks in
// a run.
type SessionFact struct {
	ID           string      `json:"id"`
	Subject      string      `json:"subject"`
	Relation     string      `json:"relation"`
	Object       string      `json:"object"`
	Tags         []FactTag   `json:"tags"`
	ValidFrom    time.Time   `json:"valid_from"`
	ValidTo      *time.Time  `json:"valid_to,omitempty"`
	SourceTaskID string      `json:"source_task_id"`
	SourceRole   SessionRole `json:"source_role"`
	Confidence   float64     `json:"confidence"`
}

// IsValid reports whether the fact has not been invalidated as of now.
func (f SessionFact) IsValid() bool { return f.ValidTo == nil }

// HasTag reports whether the fact carries the given tag.
func (f SessionFact) HasTag(tag FactTag) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BudgetDecisionKind enumerates the closed set of budget-guard outcomes.
type BudgetDecisionKind string

const (
	DecisionAllow   BudgetDecisionKind = "allow"
	DecisionDeny    BudgetDecisionKind = "deny"
	DecisionDegrade BudgetDecisionKind = "degrade"
	DecisionQueue   BudgetDecisionKind = "queue"
)

// BudgetCandidate is one model a task could be routed to.
type BudgetCandidate struct {
	ModelID        string   `json:"model_id"`
	ModelName      string   `json:"model_name"`
	InputCostPer1K float64  `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
	Tags           []string `json:"tags,omitempty"`
}

// BudgetPolicy bounds what the guard will allow.
type BudgetPolicy struct {
	PerRequestCapUSD      float64
	PerModelCapUSD        map[string]float64
	AllowedTags           []string
	DeniedTags            []string
	EmergencyModelID      string
	EmergencyCapUSD       float64
	AllowEmergencyDegrade bool
	RetryAfterSeconds     int
}

// BudgetDecision is the outcome of filtering candidates against a policy.
type BudgetDecision struct {
	Decision            BudgetDecisionKind
	ReasonCodes         []string
	CandidateCountBefore int
	CandidateCountAfter  int
	SelectedModelID     string
	DegradedModelID     string
	RetryAfterSeconds   int
}

// Role enumerates the two agent roles a task is dispatched to.
type Role string

const (
	Implementer Role = "implementer"
	Reviewer    Role = "reviewer"
)

// Provider enumerates the closed set of supported CLI-backed providers.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderGemini   Provider = "gemini"
	ProviderOpencode Provider = "opencode"
)

// ComplexityLevel enumerates the classifier's output tiers.
type ComplexityLevel string

const (
	ComplexitySimple   ComplexityLevel = "simple"
	ComplexityModerate ComplexityLevel = "moderate"
	ComplexityComplex  ComplexityLevel = "complex"
)

// TestResult is one command run recorded by an implementer's dispatch result.
type TestResult struct {
	Command  string   `json:"command"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

// ImplementerResult is the strict contract an implementer agent must emit.
type ImplementerResult struct {
	TaskID           string       `json:"task_id"`
	Status           string       `json:"status"` // completed, blocked, failed
	Summary          string       `json:"summary"`
	FilesChanged     []string     `json:"files_changed"`
	Tests            []TestResult `json:"tests"`
	FollowUpActions  []string     `json:"follow_up_actions"`
}

// ReviewIssue is a single issue raised by a reviewer agent.
type ReviewIssue struct {
	Severity string `json:"severity"` // critical, important, minor
	File     string `json:"file,omitempty"`
	Message  string `json:"message"`
	Fix      string `json:"fix"`
}

// ReviewerResult is the strict contract a reviewer agent must emit.
type ReviewerResult struct {
	TaskID        string        `json:"task_id"`
	Assessment    string        `json:"assessment"` // approved, needs_changes, blocked
	Strengths     []string      `json:"strengths"`
	Issues        []ReviewIssue `json:"issues"`
	RequiredFixes []string      `json:"required_fixes"`
}

// RoutingEntry binds a (provider, role) pair to a CLI command template.
type RoutingEntry struct {
	Provider Provider
	Role     Role
	Command  string
	Args     []string
	Display  string
}

// Run is the opaque aggregate the runtime tracks end to end. It is not
// persisted directly — Snapshot is the durable projection of a Run's
// history — but callers of the runtime manager think in terms of Run.
type Run struct {
	RunID  string
	Goal   string
	Status RunStatus
}
