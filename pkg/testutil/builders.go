// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const WorkspaceID = "ws-test"

// CreateTestBlock creates an enabled block with default values that can be overridden.
func CreateTestBlock(overrides ...func(*models.Block)) *models.Block {
	block := &models.Block{
		ID:          uuid.NewString(),
		WorkspaceID: WorkspaceID,
		Name:        "Test Block",
		Type:        "ai",
		Model:       "test-model",
		Enabled:     true,
	}

	for _, override := range overrides {
		override(block)
	}

	return block
}

// CreateTestFlow creates an enabled flow without nodes.
func CreateTestFlow(overrides ...func(*models.Flow)) *models.Flow {
	flow := &models.Flow{
		ID:          uuid.NewString(),
		WorkspaceID: WorkspaceID,
		Name:        "Test Flow",
		Enabled:     true,
		Version:     1,
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithNode appends a node labelled label running blockID.
func WithNode(id, label, blockID string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Nodes = append(f.Nodes, models.Node{ID: id, Type: "block", Label: label, BlockID: blockID})
	}
}

// WithEdge appends an edge from source to target on the given handle.
func WithEdge(source, target, handle string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Edges = append(f.Edges, models.Edge{
			ID:           source + "->" + target,
			Source:       source,
			Target:       target,
			TargetHandle: handle,
		})
	}
}

// WithWebhookSecret sets the flow's webhook secret.
func WithWebhookSecret(secret string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.WebhookSecret = secret
	}
}

// Chain builds a linear flow a -> b -> ... where each node runs its own block.
// The returned blocks are in node order.
func Chain(labels ...string) (*models.Flow, []*models.Block) {
	flow := CreateTestFlow()
	blocks := make([]*models.Block, 0, len(labels))

	for i, label := range labels {
		block := CreateTestBlock(func(b *models.Block) { b.Name = label })
		blocks = append(blocks, block)

		WithNode(label, label, block.ID)(flow)

		if i > 0 {
			WithEdge(labels[i-1], label, "")(flow)
		}
	}

	return flow, blocks
}

// Seed saves the flow and blocks in store.
func Seed(t *testing.T, store persistence.Persistence, flow *models.Flow, blocks ...*models.Block) {
	t.Helper()

	ctx := context.Background()

	for _, block := range blocks {
		require.NoError(t, store.Blocks().SaveBlock(ctx, block))
	}

	if flow != nil {
		require.NoError(t, store.Flows().SaveFlow(ctx, flow))
	}
}

// SeedAPIKey stores an API key for the raw credential and returns it.
func SeedAPIKey(t *testing.T, store persistence.Persistence, raw string, permissions ...models.Permission) *models.APIKey {
	t.Helper()

	sum := sha256.Sum256([]byte(raw))
	key := &models.APIKey{
		ID:          uuid.NewString(),
		WorkspaceID: WorkspaceID,
		Name:        "test key",
		KeyHash:     hex.EncodeToString(sum[:]),
		Permissions: permissions,
	}

	require.NoError(t, store.APIKeys().SaveAPIKey(context.Background(), key))

	return key
}
