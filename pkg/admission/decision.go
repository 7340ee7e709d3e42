package admission

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
)

// Stage names one step of the admission pipeline
type Stage string

const (
	StageDecode    Stage = "decode"
	StageIntegrity Stage = "integrity"
	StageManifest  Stage = "manifest"
	StagePolicy    Stage = "policy"
)

// Stages lists the pipeline in execution order
var Stages = []Stage{StageDecode, StageIntegrity, StageManifest, StagePolicy}

// Rejection reasons for the manifest and policy stages. Decode and integrity
// stages use container.KindName and integrity.KindName.
const (
	ReasonInvalidManifest = "invalid_manifest"
	ReasonPolicyViolation = "policy_violation"
)

// Decision is the recorded outcome of admitting one artifact
type Decision struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	ArtifactSHA256 string          `json:"artifact_sha256"`
	Admitted       bool            `json:"admitted"`
	State          lifecycle.State `json:"state"`
	Cached         bool            `json:"cached,omitempty"`

	// Set on rejection
	FailedStage Stage  `json:"failed_stage,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`

	// Known once the container decoded
	FormatVersion uint32 `json:"format_version,omitempty"`
	SecurityLevel string `json:"security_level,omitempty"`
	PublicKeyHash string `json:"public_key_hash,omitempty"`

	// Known once the manifest validated
	Plugin   string                     `json:"plugin,omitempty"`
	Version  string                     `json:"version,omitempty"`
	Errors   []manifest.ValidationError `json:"errors,omitempty"`
	Warnings []string                   `json:"warnings,omitempty"`
	Manifest *manifest.Manifest         `json:"manifest,omitempty"`

	// Set on admission
	Limits *Limits      `json:"limits,omitempty"`
	Hooks  []hooks.Type `json:"hooks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (d *Decision) reject(stage Stage, reason, message string) {
	d.Admitted = false
	d.FailedStage = stage
	d.Reason = reason
	d.Message = message
}

// Outcome is the metric label for the decision
func (d *Decision) Outcome() string {
	if d.Admitted {
		return "admitted"
	}
	return "rejected"
}

// ErrDecisionNotFound is returned by RecordStore.GetDecision for unknown IDs
var ErrDecisionNotFound = errors.New("decision not found")

// ListFilter narrows ListDecisions. Zero values mean no constraint; Limit defaults to 50.
type ListFilter struct {
	Plugin   string
	Admitted *bool
	Limit    int
	Offset   int
}

// DefaultListLimit applies when ListFilter.Limit is zero
const DefaultListLimit = 50

// EffectiveLimit returns the limit to apply
func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// RecordStore persists decisions. Listing is newest first.
type RecordStore interface {
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	ListDecisions(ctx context.Context, filter ListFilter) ([]*Decision, error)
}

// DecisionCache is a cache of decisions shared between nodes. Keys combine the
// artifact sha256 with the policy fingerprint of the node that decided.
type DecisionCache interface {
	GetDecision(ctx context.Context, key string) (*Decision, bool, error)
	SetDecision(ctx context.Context, key string, d *Decision) error
	// InvalidateAll drops every cached decision and reports how many were removed
	InvalidateAll(ctx context.Context) (int, error)
}

// Publisher announces decisions to other systems
type Publisher interface {
	Publish(ctx context.Context, d *Decision) error
}
