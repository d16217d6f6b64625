// Package audit implements the tamper-evident audit log: immutable entries
// linked by a SHA-2 hash chain, per-(tenant, scope) stores with sealing, and
// chain verification.
package audit

import (
	"time"

	"github.com/wardenhq/warden/pkg/canonical"
)

// SchemaVersion is the current audit entry schema version.
const SchemaVersion = "1.0"

// ActorType identifies what kind of principal performed an action.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorAgent     ActorType = "agent"
	ActorService   ActorType = "service"
	ActorGitHubApp ActorType = "github_app"
	ActorAPIKey    ActorType = "api_key"
)

// Actor is the principal recorded on an entry. OnBehalfOf carries the
// impersonated principal id when an agent acts for a user.
type Actor struct {
	Type       ActorType `json:"type"`
	ID         string    `json:"id"`
	OnBehalfOf string    `json:"onBehalfOf,omitempty"`
}

// Action describes what was attempted. Type is dotted, e.g. "scm.push".
type Action struct {
	Category    string `json:"category"`
	Type        string `json:"type"`
	Sensitive   bool   `json:"sensitive"`
	Description string `json:"description,omitempty"`
}

// Resource identifies the object an action targeted.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Outcome records the result of the governed action.
type Outcome struct {
	Status string `json:"status"` // allowed | denied | error | pending_approval
	Reason string `json:"reason,omitempty"`
}

// EntryContext carries correlation identifiers. Only TenantID is mandatory.
type EntryContext struct {
	TenantID    string `json:"tenantId"`
	OrgID       string `json:"orgId,omitempty"`
	RepoID      string `json:"repoId,omitempty"`
	Environment string `json:"environment,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
	SpanID      string `json:"spanId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	RunID       string `json:"runId,omitempty"`
	CandidateID string `json:"candidateId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	CausationID string `json:"causationId,omitempty"`
	Service     string `json:"service,omitempty"`
}

// ContextHash summarises a fixed subset of context fields so entries can be
// grouped without exposing the full context.
type ContextHash struct {
	Algorithm canonical.Algorithm `json:"algorithm"`
	Value     string              `json:"value"`
	Fields    []string            `json:"fields"`
}

// Signature is a detached signature over an entry's content hash.
type Signature struct {
	Algorithm string `json:"algorithm"` // ed25519 | rsa-sha256
	KeyID     string `json:"keyId,omitempty"`
	Value     string `json:"value"` // hex
}

// Chain is the linkage metadata binding an entry into its log.
// PreviousHash is nil exactly when Sequence is 0.
type Chain struct {
	Sequence     uint64              `json:"sequence"`
	PreviousHash *string             `json:"prevHash"`
	ContentHash  string              `json:"contentHash,omitempty"`
	Algorithm    canonical.Algorithm `json:"algorithm"`
	ComputedAt   time.Time           `json:"computedAt"`
	Signature    *Signature          `json:"signature,omitempty"`
}

// Entry is one immutable record in the tamper-evident log.
type Entry struct {
	ID            string         `json:"id"`
	SchemaVersion string         `json:"schemaVersion"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         Actor          `json:"actor"`
	Action        Action         `json:"action"`
	Resource      *Resource      `json:"resource,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	Context       EntryContext   `json:"context"`
	ContextHash   *ContextHash   `json:"contextHash,omitempty"`
	Chain         Chain          `json:"chain"`
	ReceivedAt    *time.Time     `json:"receivedAt,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	HighRisk      bool           `json:"highRisk"`
	Compliance    []string       `json:"compliance,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Scope identifies which slice of a tenant a log covers.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeOrg    Scope = "org"
	ScopeRepo   Scope = "repo"
	ScopeRun    Scope = "run"
)

// LogKey identifies one logical audit log.
type LogKey struct {
	TenantID string `json:"tenantId"`
	Scope    Scope  `json:"scope"`
	ScopeID  string `json:"scopeId"`
}

// LogMetadata is the live state of one log.
type LogMetadata struct {
	Key            LogKey              `json:"key"`
	Algorithm      canonical.Algorithm `json:"algorithm"`
	LatestSequence uint64              `json:"latestSequence"`
	HeadHash       string              `json:"headHash"`
	EntryCount     uint64              `json:"entryCount"`
	Sealed         bool                `json:"sealed"`
	SealedAt       *time.Time          `json:"sealedAt,omitempty"`
	SealReason     string              `json:"sealReason,omitempty"`
}

// ComputeContentHash computes the entry's content hash: the canonical digest
// of the entry with chain.contentHash, chain.signature, contextHash and
// receivedAt cleared. Chain sequence, previous hash, algorithm and computedAt
// are covered, so re-linking an entry invalidates its hash.
func ComputeContentHash(e *Entry) (string, error) {
	stripped := *e
	stripped.Chain.ContentHash = ""
	stripped.Chain.Signature = nil
	stripped.ContextHash = nil
	stripped.ReceivedAt = nil
	return canonical.CanonicalHash(&stripped, e.Chain.Algorithm)
}

// contextHashFields is the exact field list, in order, that ComputeContextHash
// considers. Unset fields are dropped from both the digest and Fields.
var contextHashFields = []struct {
	name  string
	value func(*EntryContext) string
}{
	{"tenantId", func(c *EntryContext) string { return c.TenantID }},
	{"orgId", func(c *EntryContext) string { return c.OrgID }},
	{"repoId", func(c *EntryContext) string { return c.RepoID }},
	{"runId", func(c *EntryContext) string { return c.RunID }},
	{"traceId", func(c *EntryContext) string { return c.TraceID }},
}

// ComputeContextHash digests the set members of {tenantId, orgId, repoId,
// runId, traceId} and records exactly which fields were covered.
func ComputeContextHash(c *EntryContext, algo canonical.Algorithm) (*ContextHash, error) {
	fields := make([]string, 0, len(contextHashFields))
	subset := make(map[string]string, len(contextHashFields))
	for _, f := range contextHashFields {
		if v := f.value(c); v != "" {
			fields = append(fields, f.name)
			subset[f.name] = v
		}
	}
	value, err := canonical.CanonicalHash(subset, algo)
	if err != nil {
		return nil, err
	}
	return &ContextHash{Algorithm: algo, Value: value, Fields: fields}, nil
}
