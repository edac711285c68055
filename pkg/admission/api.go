package admission

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// APIRequest is an authenticated request to run a flow or a block.
type APIRequest struct {
	Credential     string
	TargetID       string
	Input          json.RawMessage
	IdempotencyKey string
}

// APIAdmission admits work from API key holders.
type APIAdmission struct {
	core
}

func NewAPIAdmission(logger *slog.Logger, store persistence.Persistence, runner Runner) *APIAdmission {
	return &APIAdmission{core: core{store: store, runner: runner, logger: logger.With("module", "api_admission")}}
}

// Authenticate resolves a bearer credential to its API key and checks that
// the key grants permission.
func (a *APIAdmission) Authenticate(ctx context.Context, credential string, permission models.Permission) (*models.APIKey, error) {
	const op = "Authenticate"

	if credential == "" {
		return nil, NewAuthError(op, CodeUnauthorized, "missing API key")
	}

	key, err := a.store.APIKeys().APIKeyByHash(ctx, HashSecret(credential))

	switch {
	case persistence.IsNotFound(err):
		return nil, NewAuthError(op, CodeUnauthorized, "invalid API key")
	case err != nil:
		return nil, NewInfrastructureError(op, err)
	case key.IsRevoked():
		return nil, NewAuthError(op, CodeUnauthorized, "API key has been revoked")
	case !key.HasPermission(permission):
		return nil, NewPermissionError(op, "API key lacks the "+string(permission)+" permission")
	}

	return key, nil
}

// ExecuteFlow runs a flow of the key's workspace and waits for it to finish.
func (a *APIAdmission) ExecuteFlow(ctx context.Context, req APIRequest) (*Outcome, error) {
	return a.admit(ctx, "ExecuteFlow", models.TargetTypeFlow, req)
}

// RunBlock runs a single block of the key's workspace and waits for it to
// finish.
func (a *APIAdmission) RunBlock(ctx context.Context, req APIRequest) (*Outcome, error) {
	return a.admit(ctx, "RunBlock", models.TargetTypeBlock, req)
}

func (a *APIAdmission) admit(ctx context.Context, op string, kind models.TargetType, req APIRequest) (*Outcome, error) {
	key, err := a.Authenticate(ctx, req.Credential, models.PermissionExecute)
	if err != nil {
		return nil, err
	}

	logger := a.logger.With("api_key_id", key.ID, "target_type", kind, "target_id", req.TargetID)

	t, err := a.resolve(ctx, op, kind, req.TargetID)
	if err != nil {
		return nil, err
	}

	// Targets of other workspaces look exactly like missing ones.
	if t.workspaceID() != key.WorkspaceID {
		return nil, NewNotFoundError(op, string(kind), req.TargetID)
	}

	if !t.enabled() {
		return nil, NewValidationError(op, CodeDisabled, string(kind)+" is disabled")
	}

	if err := validateInput(op, t.inputSchema(), req.Input); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		outcome, err := a.existing(ctx, op, t, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}

		if outcome != nil {
			logger.InfoContext(ctx, "Returning existing execution for idempotency key", "execution_id", outcome.ExecutionID)

			return outcome, nil
		}
	}

	row, outcome, err := a.create(ctx, op, t, "", models.APITrigger(key.ID), req.Input, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if outcome != nil {
		return outcome, nil
	}

	outcome, err = a.run(ctx, op, t, row)
	if err != nil {
		logger.ErrorContext(ctx, "Execution could not be recorded", "error", err)

		return nil, err
	}

	logger.InfoContext(ctx, "Execution finished", "execution_id", outcome.ExecutionID, "status", outcome.Status)

	return outcome, nil
}
