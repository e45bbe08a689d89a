package routecodex

import (
	"context"
	"encoding/json"
	"time"
)

// --- Protocols and provider types ---

// Protocol is a wire protocol a client or upstream speaks.
type Protocol string

const (
	ProtocolOpenAIChat        Protocol = "openai-chat"
	ProtocolOpenAIResponses   Protocol = "openai-responses"
	ProtocolAnthropicMessages Protocol = "anthropic-messages"
	ProtocolGeminiChat        Protocol = "gemini-chat"
)

// ProviderType identifies the upstream family. Each maps to exactly one
// Protocol via ProtocolForProviderType.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderResponses ProviderType = "responses"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
	ProviderIFlow     ProviderType = "iflow"
	ProviderGLM       ProviderType = "glm"
	ProviderQwen      ProviderType = "qwen"
	ProviderLMStudio  ProviderType = "lmstudio"
)

// providerProtocolTable is the fixed providerType -> providerProtocol table
// from the data model (§3, ProviderTarget invariant).
var providerProtocolTable = map[ProviderType]Protocol{
	ProviderOpenAI:    ProtocolOpenAIChat,
	ProviderGLM:       ProtocolOpenAIChat,
	ProviderQwen:      ProtocolOpenAIChat,
	ProviderIFlow:     ProtocolOpenAIChat,
	ProviderLMStudio:  ProtocolOpenAIChat,
	ProviderResponses: ProtocolOpenAIResponses,
	ProviderAnthropic: ProtocolAnthropicMessages,
	ProviderGemini:    ProtocolGeminiChat,
}

// ProtocolForProviderType returns the fixed protocol for a provider type, and
// false if the type is unknown (ERR_UNSUPPORTED_PROVIDER_TYPE).
func ProtocolForProviderType(pt ProviderType) (Protocol, bool) {
	p, ok := providerProtocolTable[pt]
	return p, ok
}

// ProcessMode distinguishes full chat processing from raw passthrough.
type ProcessMode string

const (
	ProcessModeChat        ProcessMode = "chat"
	ProcessModePassthrough ProcessMode = "passthrough"
)

// Streaming controls whether a blueprint always, never, or conditionally
// streams.
type Streaming string

const (
	StreamingAuto   Streaming = "auto"
	StreamingAlways Streaming = "always"
	StreamingNever  Streaming = "never"
)

// Phase is which half of a request a blueprint handles.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// NodeKind is the capability-set tag for a pipeline node.
type NodeKind string

const (
	NodeLLMSwitch     NodeKind = "llmswitch"
	NodeWorkflow      NodeKind = "workflow"
	NodeCompatibility NodeKind = "compatibility"
	NodeProvider      NodeKind = "provider"
)

// NodeDescriptor is one entry in a blueprint's node sequence.
type NodeDescriptor struct {
	ID             string
	Kind           NodeKind
	Implementation string
	Options        map[string]any
}

// ProviderTarget is the concrete upstream selection for one request.
type ProviderTarget struct {
	ProviderKey          string
	ProviderType         ProviderType
	ProviderProtocol     Protocol
	OutboundProfile      string
	RuntimeKey           string
	ProcessMode          ProcessMode
	CompatibilityProfile string
}

// --- Token storage ---

// TokenStorage is a persisted OAuth credential, per §3/§4.1.
type TokenStorage struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    int64  `json:"expires_at"` // absolute unix-ms
	APIKey       string `json:"api_key,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	CreatedAtMS  int64  `json:"created_at,omitempty"`
}

// IsExpired reports whether now+buffer has reached ExpiresAt (invariant #3).
func (t *TokenStorage) IsExpired(now time.Time, buffer time.Duration) bool {
	if t == nil || t.ExpiresAt == 0 {
		return true
	}
	return now.Add(buffer).UnixMilli() >= t.ExpiresAt
}

// --- OAuth session status ---

// SessionState is the OAuth Manager's per-provider state machine value.
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionPending       SessionState = "pending"
	SessionAuthenticated SessionState = "authenticated"
	SessionExpired       SessionState = "expired"
	SessionError         SessionState = "error"
)

// TokenStatus summarizes a token's freshness for display/diagnostics.
type TokenStatus struct {
	IsValid      bool
	IsExpired    bool
	NeedsRefresh bool
	ExpiresAt    time.Time
	TimeToExpiry time.Duration
}

// OAuthSessionStatus is the per-provider live status surfaced by the OAuth
// Manager (§3).
type OAuthSessionStatus struct {
	ProviderID   string
	Status       SessionState
	Token        TokenStatus
	LastActivity time.Time
	Error        string
}

// --- Pipeline blueprint & context ---

// PipelineBlueprint is the immutable plan for one (entryEndpoint, phase)
// pair (§3).
type PipelineBlueprint struct {
	ID                string
	Name              string
	Phase             Phase
	EntryEndpoints    []string // normalized lowercase
	ProviderProtocols []Protocol
	ProcessMode       ProcessMode
	Streaming         Streaming
	Nodes             []NodeDescriptor
}

// Validate checks the blueprint invariants from §3.
func (b *PipelineBlueprint) Validate() error {
	if len(b.Nodes) == 0 {
		return NewError(CodeProtocolMismatch, "blueprint "+b.ID+" has no nodes")
	}
	if len(b.ProviderProtocols) == 0 {
		return NewError(CodeProtocolMismatch, "blueprint "+b.ID+" has no provider protocols")
	}
	return nil
}

// RequestMetadata is the subset of PipelineContext.metadata named in §3.
type RequestMetadata struct {
	RequestID        string
	EntryEndpoint    string
	ProviderProtocol Protocol
	ProcessMode      ProcessMode
	Streaming        Streaming
	RouteName        string
	PipelineID       string
	ProviderID       string
	ModelID          string
}

// ErrorCallback and WarningCallback let the pipeline runtime notify the
// context owner without creating a hard dependency on a logger.
type ErrorCallback func(err error)
type WarningCallback func(msg string, args ...any)

// PipelineContext is the mutable per-request carrier described in §3. It is
// created per request and discarded once the response is finalized.
type PipelineContext struct {
	Blueprint *PipelineBlueprint
	Phase     Phase
	Remaining []NodeDescriptor
	Request   any
	Response  any
	Metadata  RequestMetadata
	Extras    map[string]any

	OnError   ErrorCallback
	OnWarning WarningCallback
}

// NewPipelineContext builds a context ready to run b's nodes in order.
func NewPipelineContext(b *PipelineBlueprint, meta RequestMetadata) *PipelineContext {
	remaining := make([]NodeDescriptor, len(b.Nodes))
	copy(remaining, b.Nodes)
	return &PipelineContext{
		Blueprint: b,
		Phase:     b.Phase,
		Remaining: remaining,
		Metadata:  meta,
		Extras:    make(map[string]any),
	}
}

// Warnf invokes the warning callback if set.
func (c *PipelineContext) Warnf(msg string, args ...any) {
	if c.OnWarning != nil {
		c.OnWarning(msg, args...)
	}
}

// Errorf invokes the error callback if set.
func (c *PipelineContext) Errorf(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// --- Runtime metadata side channel ---

// RuntimeMetadata is a non-enumerable side channel attached to a request
// payload: it must never be serialized to the wire. Mirrors the teacher's
// requestMeta/context-key pattern in internal/gateway.go.
type RuntimeMetadata struct {
	RequestID            string
	RouteName            string
	ProviderID           string
	ProviderType         ProviderType
	ProviderProtocol     Protocol
	ProviderFamily       string
	Target               *ProviderTarget
	CompatibilityProfile string
	PipelineID           string
	Extra                map[string]any // entryEndpoint, client headers, UA, originator, streaming flag
}

type contextKey int

const ctxKeyRuntimeMeta contextKey = 0

// ContextWithRuntimeMetadata attaches m to ctx.
func ContextWithRuntimeMetadata(ctx context.Context, m *RuntimeMetadata) context.Context {
	return context.WithValue(ctx, ctxKeyRuntimeMeta, m)
}

// RuntimeMetadataFromContext extracts the runtime metadata from ctx, or nil.
func RuntimeMetadataFromContext(ctx context.Context) *RuntimeMetadata {
	m, _ := ctx.Value(ctxKeyRuntimeMeta).(*RuntimeMetadata)
	return m
}

// --- Pipeline execution input (front door contract, §6) ---

// PipelineExecutionInput is what the (external) front door hands the
// pipeline runtime for each inbound call.
type PipelineExecutionInput struct {
	RequestID     string
	EntryEndpoint string
	Body          json.RawMessage
	Headers       map[string][]string
	Metadata      map[string]any
}

// --- Node interface ---

// Node is the capability-set interface all pipeline node kinds implement.
// LLMSwitch, Workflow, Compatibility, and Provider nodes are concrete
// tagged variants of this single interface, looked up from a
// moduleType -> factory registry.
type Node interface {
	// Kind identifies the node's role for error provenance and registry
	// bucketing.
	Kind() NodeKind
	// Implementation is the configured implementation name (e.g.
	// "anthropic-openai", "sse-transformer", "glm-compat").
	Implementation() string
	// ProcessIncoming runs the request-direction half of the node.
	ProcessIncoming(ctx context.Context, pctx *PipelineContext, payload any) (any, error)
	// ProcessOutgoing runs the response-direction half of the node.
	ProcessOutgoing(ctx context.Context, pctx *PipelineContext, payload any) (any, error)
}
