package mutexregistry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Locks bundles the two keyspaces the core needs critical sections for:
// one lock per server id (connect/disconnect bring-up and teardown) and one
// lock per deployment id (status reconciliation vs. command-result races).
type Locks struct {
	servers     *Registry
	deployments *Registry
}

// NewLocks creates a Locks with independent server and deployment keyspaces,
// each exposing its live entry count as a prometheus gauge for leak
// detection by the readiness probe.
func NewLocks(serverGauge, deploymentGauge prometheus.Gauge) *Locks {
	return &Locks{
		servers:     New(serverGauge),
		deployments: New(deploymentGauge),
	}
}

// WithServerLock runs fn while holding the lock for serverID. Used by the
// agent session's connect/disconnect bring-up and teardown paths.
func (l *Locks) WithServerLock(ctx context.Context, serverID string, fn func(ctx context.Context) error) error {
	return l.servers.With(ctx, serverID, fn)
}

// WithDeploymentLock runs fn while holding the lock for deploymentID. Used by
// the dispatcher's status-mapping step and the reconciler's status-report
// processing so the two never race on the same deployment row.
func (l *Locks) WithDeploymentLock(ctx context.Context, deploymentID string, fn func(ctx context.Context) error) error {
	return l.deployments.With(ctx, deploymentID, fn)
}

// ServerLockCount returns the number of live server-keyed lock entries.
func (l *Locks) ServerLockCount() int {
	return l.servers.Count()
}

// DeploymentLockCount returns the number of live deployment-keyed lock entries.
func (l *Locks) DeploymentLockCount() int {
	return l.deployments.Count()
}
