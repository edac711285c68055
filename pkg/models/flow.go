package models

import (
	"encoding/json"
	"time"
)

// Flow is a named graph of blocks. Definitions are authored elsewhere and
// only read by the execution subsystem.
type Flow struct {
	ID            string          `json:"id"                    validate:"required"`
	WorkspaceID   string          `json:"workspaceId"           validate:"required"`
	Name          string          `json:"name"                  validate:"required,min=1"`
	Description   string          `json:"description,omitempty"`
	Enabled       bool            `json:"enabled"`
	Version       int             `json:"version"               validate:"min=0"`
	Nodes         []Node          `json:"nodes"                 validate:"dive"`
	Edges         []Edge          `json:"edges"                 validate:"dive"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	WebhookSecret string          `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	DeletedAt     *time.Time      `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the flow was soft-deleted.
func (f *Flow) IsDeleted() bool {
	return f.DeletedAt != nil
}

// NodeByID returns the node with the given id, or nil.
func (f *Flow) NodeByID(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}

	return nil
}

// Node places a block in a flow graph.
type Node struct {
	ID      string         `json:"id"                validate:"required"`
	Type    string         `json:"type"`
	Label   string         `json:"label,omitempty"`
	BlockID string         `json:"blockId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// DisplayName is the label used in error messages, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}

	return n.ID
}

// Edge is a data dependency from Source to Target.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"                 validate:"required"`
	Target       string `json:"target"                 validate:"required"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Block is a single executable unit, either AI-driven or deterministic.
type Block struct {
	ID             string         `json:"id"                  validate:"required"`
	WorkspaceID    string         `json:"workspaceId"         validate:"required"`
	Name           string         `json:"name"                validate:"required"`
	Type           string         `json:"type"`
	Model          string         `json:"model,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Enabled        bool           `json:"enabled"`
	WebhookSecret  string         `json:"-"`
	ExecutionCount int64          `json:"executionCount"`
	AvgDurationMs  int64          `json:"avgDurationMs"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

func (b *Block) IsDeleted() bool {
	return b.DeletedAt != nil
}

// Permission is a capability claim carried by an API key.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionExecute Permission = "execute"
	PermissionAdmin   Permission = "admin"
)

// APIKey is a workspace credential. Only the SHA-256 hash of the key is stored.
type APIKey struct {
	ID          string       `json:"id"          validate:"required"`
	WorkspaceID string       `json:"workspaceId" validate:"required"`
	Name        string       `json:"name,omitempty"`
	KeyHash     string       `json:"-"           validate:"required,len=64,hexadecimal"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
	RevokedAt   *time.Time   `json:"revokedAt,omitempty"`
}

func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// HasPermission reports whether the key grants p. Admin grants everything.
func (k *APIKey) HasPermission(p Permission) bool {
	for _, granted := range k.Permissions {
		if granted == p || granted == PermissionAdmin {
			return true
		}
	}

	return false
}
