// Package mount implements C10, the Mount Orchestrator: the auto-mount
// workflow that runs once per successful agent connect, checking and
// establishing every auto-mounted ServerMount without blocking the connect
// path itself.
//
// It is grounded on the teacher's backup-restore workflow in
// _ref_scheduler (multi-step remote operation, persist status after each
// step, isolate one item's failure from the rest of the batch) generalized
// from "one restore job" to "N mounts for one server, processed in order".
package mount

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/dispatcher"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/secretsbox"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator implements C10.
type Orchestrator struct {
	mounts      repository.MountRepository
	credentials repository.MountCredentialsRepository
	box         *secretsbox.Box
	dispatcher  *dispatcher.Dispatcher
	logger      *zap.Logger
}

// New creates an Orchestrator.
func New(
	mounts repository.MountRepository,
	credentials repository.MountCredentialsRepository,
	box *secretsbox.Box,
	disp *dispatcher.Dispatcher,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		mounts:      mounts,
		credentials: credentials,
		box:         box,
		dispatcher:  disp,
		logger:      logger.Named("mount"),
	}
}

// checkMountResult is the agent-reported shape of a successful checkMount.
type checkMountResult struct {
	Mounted    bool   `json:"mounted"`
	UsageBytes *int64 `json:"usageBytes,omitempty"`
	TotalBytes *int64 `json:"totalBytes,omitempty"`
}

// mountStorageCommand is the payload sent with a mountStorage command.
type mountStorageCommand struct {
	Type        string                       `json:"type"`
	Source      string                       `json:"source"`
	MountPoint  string                       `json:"mountPoint"`
	Options     string                       `json:"options,omitempty"`
	Credentials *secretsbox.MountCredentials `json:"credentials,omitempty"`
}

// RunForServer processes every auto-mounted ServerMount of serverID
// sequentially (§4.5 Concurrency), isolating each mount's failure from the
// rest of the batch. It does not block the connect path — callers run it in
// its own goroutine.
func (o *Orchestrator) RunForServer(ctx context.Context, serverID uuid.UUID) {
	serverMounts, err := o.mounts.ListAutoForServer(ctx, serverID)
	if err != nil {
		o.logger.Warn("mount: failed to list auto mounts", zap.String("server_id", serverID.String()), zap.Error(err))
		return
	}

	for _, sm := range serverMounts {
		o.runOne(ctx, serverID, sm)
	}
}

func (o *Orchestrator) runOne(ctx context.Context, serverID uuid.UUID, sm db.ServerMount) {
	defer func() {
		if rec := recover(); rec != nil {
			o.setError(ctx, sm.ID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	m, err := o.mounts.GetByID(ctx, sm.MountID)
	if err != nil {
		o.setError(ctx, sm.ID, fmt.Sprintf("mount definition lookup failed: %v", err))
		return
	}

	checkOutcome, err := o.dispatcher.SendMount(ctx, serverID, transport.ActionCheckMount,
		map[string]string{"mountPoint": sm.MountPoint}, nil)
	if err != nil {
		o.setError(ctx, sm.ID, fmt.Sprintf("checkMount failed: %v", err))
		return
	}
	if checkOutcome.Status == "success" {
		var result checkMountResult
		if len(checkOutcome.Data) > 0 {
			_ = json.Unmarshal(checkOutcome.Data, &result)
		}
		if result.Mounted {
			if err := o.mounts.SetStatus(ctx, sm.ID, "mounted", "", result.UsageBytes, result.TotalBytes); err != nil {
				o.logger.Warn("mount: failed to persist mounted status", zap.String("server_mount_id", sm.ID.String()), zap.Error(err))
			}
			if result.UsageBytes != nil && result.TotalBytes != nil {
				o.logger.Info("mount: already mounted",
					zap.String("server_mount_id", sm.ID.String()),
					zap.String("usage", humanize.Bytes(uint64(*result.UsageBytes))),
					zap.String("total", humanize.Bytes(uint64(*result.TotalBytes))))
			}
			return
		}
	}

	if err := o.mounts.SetStatus(ctx, sm.ID, "mounting", "", nil, nil); err != nil {
		o.logger.Warn("mount: failed to persist mounting status", zap.String("server_mount_id", sm.ID.String()), zap.Error(err))
	}

	payload := mountStorageCommand{
		Type:       m.Type,
		Source:     m.Source,
		MountPoint: sm.MountPoint,
		Options:    effectiveOptions(sm.Options, m.DefaultOptions),
	}

	if m.Type == "cifs" {
		creds, err := o.credentials.Get(ctx, m.ID)
		if err != nil {
			o.setError(ctx, sm.ID, fmt.Sprintf("loading mount credentials failed: %v", err))
			return
		}
		decrypted, err := o.box.DecryptCredentials(creds.EncryptedBlob)
		if err != nil {
			o.setError(ctx, sm.ID, fmt.Sprintf("decrypting mount credentials failed: %v", err))
			return
		}
		payload.Credentials = &decrypted
	}

	mountOutcome, err := o.dispatcher.SendMount(ctx, serverID, transport.ActionMountStorage, payload, nil)
	if err != nil {
		o.setError(ctx, sm.ID, fmt.Sprintf("mountStorage failed: %v", err))
		return
	}
	if mountOutcome.Status != "success" {
		o.setError(ctx, sm.ID, mountOutcome.Message)
		return
	}

	if err := o.mounts.SetStatus(ctx, sm.ID, "mounted", "", nil, nil); err != nil {
		o.logger.Warn("mount: failed to persist mounted status", zap.String("server_mount_id", sm.ID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) setError(ctx context.Context, serverMountID uuid.UUID, message string) {
	if err := o.mounts.SetStatus(ctx, serverMountID, "error", message, nil, nil); err != nil {
		o.logger.Warn("mount: failed to persist error status", zap.String("server_mount_id", serverMountID.String()), zap.Error(err))
	}
}

func effectiveOptions(serverMountOptions, mountDefaultOptions string) string {
	if serverMountOptions != "" {
		return serverMountOptions
	}
	return mountDefaultOptions
}
