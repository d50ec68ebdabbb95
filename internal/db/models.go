package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Servers
// -----------------------------------------------------------------------------

// Server represents one managed server in the fleet. Rows are created and
// destroyed by the external admin API — the core only transitions
// AgentStatus/LastSeenAt/Metrics/NetworkInfo.
type Server struct {
	base
	Name        string `gorm:"not null"`
	Host        string `gorm:"not null"`
	IsCore      bool   `gorm:"not null;default:false"` // the locally-trusted server, no token required
	AgentStatus string `gorm:"not null;default:'offline'"` // "online" or "offline"
	LastSeenAt  *time.Time
	Metrics     string `gorm:"type:text;default:'{}'"` // opaque JSON snapshot from the last status report
	NetworkInfo string `gorm:"type:text;default:'{}'"` // opaque JSON

	// LegacyTokenHash is the fallback per-server token hash consulted when no
	// AgentToken row matches (§4.1 Authentication). Empty means no legacy
	// token is configured for this server.
	LegacyTokenHash string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// AgentToken
// -----------------------------------------------------------------------------

// AgentToken binds a bearer token's hash to a server. ExpiresAt nil means the
// token never expires. LastUsedAt is updated on every successful auth.
type AgentToken struct {
	base
	ServerID   uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash  string    `gorm:"not null;uniqueIndex"` // hex(SHA-256(raw token))
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// -----------------------------------------------------------------------------
// Deployments
// -----------------------------------------------------------------------------

// DeploymentStatus enumerates the values a Deployment.Status can hold.
type DeploymentStatus string

const (
	DeploymentInstalling   DeploymentStatus = "installing"
	DeploymentConfiguring  DeploymentStatus = "configuring"
	DeploymentRunning      DeploymentStatus = "running"
	DeploymentStopped      DeploymentStatus = "stopped"
	DeploymentError        DeploymentStatus = "error"
	DeploymentUninstalling DeploymentStatus = "uninstalling"
)

// Transient reports whether s is one of the orchestrator-owned transient
// states protected from agent status-report overwrites (§4.3).
func (s DeploymentStatus) Transient() bool {
	switch s {
	case DeploymentInstalling, DeploymentConfiguring, DeploymentUninstalling:
		return true
	default:
		return false
	}
}

// Deployment is an installed (or in-flight) app instance pinned to one server.
type Deployment struct {
	base
	ServerID      uuid.UUID `gorm:"type:text;not null;index"`
	AppName       string    `gorm:"not null;index"`
	Status        string    `gorm:"not null;default:'installing'"`
	StatusMessage string    `gorm:"type:text;default:''"`
	Version       string    `gorm:"default:''"`
	Config        string    `gorm:"type:text;default:'{}'"` // opaque JSON
}

// -----------------------------------------------------------------------------
// ProxyRoute
// -----------------------------------------------------------------------------

// ProxyRoute tracks whether a deployment's reverse-proxy route is active.
// The core only flips Active in response to a running/stopped transition.
type ProxyRoute struct {
	base
	DeploymentID uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Active       bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// CommandLogEntry
// -----------------------------------------------------------------------------

// CommandLogEntry is the durable record of every command sent to an agent.
type CommandLogEntry struct {
	base
	ServerID      uuid.UUID `gorm:"type:text;not null;index"`
	DeploymentID  *uuid.UUID `gorm:"type:text;index"`
	Action        string    `gorm:"not null"`
	Payload       string    `gorm:"type:text;not null"` // JSON of the command sent
	Status        string    `gorm:"not null;default:'pending'"` // pending|success|error|timeout
	ResultMessage string    `gorm:"type:text;default:''"`
	CompletedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Mounts
// -----------------------------------------------------------------------------

// Mount is a network-storage definition, independent of any particular server.
type Mount struct {
	base
	Type           string `gorm:"not null"` // "nfs" or "cifs"
	Source         string `gorm:"not null"`
	DefaultOptions string `gorm:"type:text;default:''"`
}

// ServerMount binds a Mount onto one specific server at a specific mount point.
type ServerMount struct {
	base
	MountID       uuid.UUID `gorm:"type:text;not null;index"`
	ServerID      uuid.UUID `gorm:"type:text;not null;index"`
	MountPoint    string    `gorm:"not null"`
	Options       string    `gorm:"type:text;default:''"`
	AutoMount     bool      `gorm:"not null;default:false"`
	Status        string    `gorm:"not null;default:'unmounted'"` // unmounted|mounting|mounted|error
	StatusMessage string    `gorm:"type:text;default:''"`
	UsageBytes    *int64
	TotalBytes    *int64
	LastChecked   *time.Time
}

// MountCredentials stores the secretbox-encrypted credential blob for a
// CIFS mount. EncryptedBlob is opaque at rest — it is only decrypted into a
// short-lived struct immediately before building a mountStorage command.
type MountCredentials struct {
	MountID       uuid.UUID `gorm:"type:text;primaryKey"`
	EncryptedBlob []byte    `gorm:"type:blob;not null"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

// -----------------------------------------------------------------------------
// AppManifest
// -----------------------------------------------------------------------------

// AppManifest carries the subset of manifest data the log router needs: the
// optional override service name used when streaming container logs. Full
// manifest ingestion is out of scope (§1); this is a read-side lookup.
type AppManifest struct {
	AppName            string `gorm:"type:text;primaryKey"`
	LoggingServiceName string `gorm:"default:''"`
}
