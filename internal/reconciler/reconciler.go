// Package reconciler implements C9, the Status Reconciler: applies an
// agent's periodic status report to server metrics and deployment status
// under the correct locks, toggling proxy routes and broadcasting diffs.
//
// It is grounded on the teacher's backup-job status-transition handling in
// _ref_scheduler (apply an external result to a row under a lock, diff the
// previous and new state, notify on change) generalized from "one job, one
// row" to "one report, N deployments, at most one proxy reload per batch".
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProxyReloader rebuilds and reloads the reverse-proxy configuration after a
// batch of route changes. It is an external collaborator (§6.3) — this
// package only decides *when* to call it.
type ProxyReloader interface {
	Reload(ctx context.Context) error
}

// Reconciler implements C9.
type Reconciler struct {
	servers     repository.ServerRepository
	deployments repository.DeploymentRepository
	routes      repository.ProxyRouteRepository
	locks       *mutexregistry.Locks
	proxy       ProxyReloader
	bus         *eventbus.Hub
	logger      *zap.Logger
}

// New creates a Reconciler.
func New(
	servers repository.ServerRepository,
	deployments repository.DeploymentRepository,
	routes repository.ProxyRouteRepository,
	locks *mutexregistry.Locks,
	proxy ProxyReloader,
	bus *eventbus.Hub,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		servers:     servers,
		deployments: deployments,
		routes:      routes,
		locks:       locks,
		proxy:       proxy,
		bus:         bus,
		logger:      logger.Named("reconciler"),
	}
}

// appStatusToDeploymentStatus maps a reported app status to the identity
// deployment status, falling back to "stopped" for anything unrecognized
// (§4.3 Processing step 2).
func appStatusToDeploymentStatus(appStatus string) string {
	switch appStatus {
	case "running", "stopped", "error":
		return appStatus
	default:
		return "stopped"
	}
}

// Apply processes one StatusReport for serverID (§4.3 Processing).
func (r *Reconciler) Apply(ctx context.Context, serverID uuid.UUID, report transport.StatusReport) error {
	metricsJSON := string(report.Metrics)
	if metricsJSON == "" {
		metricsJSON = "{}"
	}
	networkInfoJSON := string(report.NetworkInfo)

	if err := r.servers.UpdateMetrics(ctx, serverID, metricsJSON, networkInfoJSON); err != nil {
		r.logger.Warn("reconciler: failed to persist server metrics", zap.String("server_id", serverID.String()), zap.Error(err))
	}

	anyRouteChanged := false
	appStatuses := make(map[string]string, len(report.Apps))

	for _, app := range report.Apps {
		appStatuses[app.Name] = app.Status

		deployment, err := r.deployments.GetByServerAndApp(ctx, serverID, app.Name)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			r.logger.Warn("reconciler: failed to look up deployment",
				zap.String("server_id", serverID.String()), zap.String("app", app.Name), zap.Error(err))
			continue
		}

		newStatus := appStatusToDeploymentStatus(app.Status)
		routeChanged, err := r.applyDeployment(ctx, deployment.ID, deployment.Status, newStatus)
		if err != nil {
			r.logger.Warn("reconciler: failed to apply deployment status",
				zap.String("deployment_id", deployment.ID.String()), zap.Error(err))
			continue
		}
		if routeChanged {
			anyRouteChanged = true
		}
	}

	if anyRouteChanged && r.proxy != nil {
		if err := r.proxy.Reload(ctx); err != nil {
			r.logger.Warn("reconciler: proxy reload failed", zap.Error(err))
		}
	}

	r.bus.PublishServerEvent(serverID.String(), eventbus.Event{
		Type:  eventbus.EventServerStatus,
		Topic: "server:" + serverID.String(),
		Payload: eventbus.ServerStatusPayload{
			ServerID: serverID.String(),
			Metrics:  json.RawMessage(metricsJSON),
			Apps:     appStatuses,
		},
	})

	return nil
}

// applyDeployment updates one deployment's status under its mutex, guarded
// by the transient-state invariant, and toggles its proxy route if attached.
// Returns whether the route's active flag changed.
func (r *Reconciler) applyDeployment(ctx context.Context, deploymentID uuid.UUID, previousStatus, newStatus string) (bool, error) {
	routeChanged := false
	applied := false

	err := r.locks.WithDeploymentLock(ctx, deploymentID.String(), func(ctx context.Context) error {
		var err error
		applied, err = r.deployments.SetStatusIfNotTransient(ctx, deploymentID, newStatus)
		if err != nil {
			return fmt.Errorf("reconciler: set deployment status: %w", err)
		}
		if !applied {
			return nil
		}

		route, err := r.routes.GetByDeployment(ctx, deploymentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("reconciler: look up proxy route: %w", err)
		}

		wantActive := newStatus == "running"
		if route.Active != wantActive {
			if err := r.routes.SetActive(ctx, deploymentID, wantActive); err != nil {
				return fmt.Errorf("reconciler: set proxy route active: %w", err)
			}
			routeChanged = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if previousStatus != newStatus {
		routeActive := newStatus == "running"
		r.bus.PublishDeploymentEvent(deploymentID.String(), eventbus.Event{
			Type:  eventbus.EventDeploymentStatus,
			Topic: "deployment:" + deploymentID.String(),
			Payload: eventbus.DeploymentStatusPayload{
				DeploymentID:   deploymentID.String(),
				PreviousStatus: previousStatus,
				Status:         newStatus,
				RouteActive:    &routeActive,
			},
		})
	}

	return routeChanged, nil
}
