// Package repository implements C1, the typed persistence layer used by the
// rest of the core: servers, agent tokens, deployments, proxy routes, the
// command log, mounts, mount credentials, and app manifests. It is grounded
// on the teacher's server/internal/repositories package (one gorm*Repository
// per entity, wrapped errors, ErrNotFound/ErrConflict sentinels) with the
// entity set swapped for the ones this domain owns.
package repository

import (
	"context"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/google/uuid"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ServerRepository exposes the server-row operations named in the repository
// contract: get, updateStatus, updateMetrics, plus a paginated List.
type ServerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Server, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, agentStatus string, lastSeen time.Time) error
	UpdateMetrics(ctx context.Context, id uuid.UUID, metricsJSON, networkInfoJSON string) error
	List(ctx context.Context, opts ListOptions) ([]db.Server, int64, error)
}

// AgentTokenRepository resolves bearer tokens to servers during connect-time
// authentication (§4.1 C6).
type AgentTokenRepository interface {
	FindByServerAndHash(ctx context.Context, serverID uuid.UUID, tokenHash string) (*db.AgentToken, error)
	Touch(ctx context.Context, tokenID uuid.UUID, usedAt time.Time) error
}

// DeploymentRepository exposes the status-mapping operations the dispatcher
// (C7) and reconciler (C9) depend on. SetStatusIfNotTransient is the
// transient-state-preservation primitive from §4.3.
type DeploymentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error)
	GetByServerAndApp(ctx context.Context, serverID uuid.UUID, appName string) (*db.Deployment, error)

	// SetStatusIfNotTransient applies newStatus only if the deployment's
	// current status is not one of {installing, configuring, uninstalling}.
	// Returns whether the update was applied.
	SetStatusIfNotTransient(ctx context.Context, id uuid.UUID, newStatus string) (bool, error)

	// SetStatus unconditionally sets status and an optional message. Used by
	// the dispatcher, which owns the transient states it sets.
	SetStatus(ctx context.Context, id uuid.UUID, status, message string) error
}

// ProxyRouteRepository toggles route activity in response to a deployment's
// running/stopped transition (§4.3 step 4).
type ProxyRouteRepository interface {
	GetByDeployment(ctx context.Context, deploymentID uuid.UUID) (*db.ProxyRoute, error)
	SetActive(ctx context.Context, deploymentID uuid.UUID, active bool) error
}

// CommandLogRepository is the durable record of every command sent to an
// agent (§4.2 Persistence).
type CommandLogRepository interface {
	Insert(ctx context.Context, entry *db.CommandLogEntry) error
	Update(ctx context.Context, id uuid.UUID, status, resultMessage string, completedAt *time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*db.CommandLogEntry, error)
	ListByServer(ctx context.Context, serverID uuid.UUID, opts ListOptions) ([]db.CommandLogEntry, int64, error)
}

// MountRepository exposes mount definitions and the per-server bindings the
// mount orchestrator (C10) drives on connect.
type MountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Mount, error)
	ListAutoForServer(ctx context.Context, serverID uuid.UUID) ([]db.ServerMount, error)
	SetStatus(ctx context.Context, serverMountID uuid.UUID, status, message string, usageBytes, totalBytes *int64) error
}

// MountCredentialsRepository stores the opaque secretsbox-encrypted blob for
// a CIFS mount's credentials (§4.5 step 3).
type MountCredentialsRepository interface {
	Get(ctx context.Context, mountID uuid.UUID) (*db.MountCredentials, error)
	Upsert(ctx context.Context, mountID uuid.UUID, encryptedBlob []byte) error
}

// AppManifestRepository resolves an app's logging.serviceName override for
// the log stream router (§4.4 step 3).
type AppManifestRepository interface {
	Get(ctx context.Context, appName string) (*db.AppManifest, error)
}
