package agentconn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
)

// ErrUnauthenticated is returned for every rejection path — unknown server,
// missing/expired/mismatched token — so callers cannot distinguish "which
// reason" from the error type alone and leak that detail to the agent (§4.1
// Authentication, §7 Auth failure: logged with IP, not published).
var ErrUnauthenticated = errors.New("agentconn: authentication failed")

// Authenticator implements C6: validating a (serverId, token) pair at
// connect time using the agent-token table or a legacy per-server token, in
// constant time.
type Authenticator struct {
	servers repository.ServerRepository
	tokens  repository.AgentTokenRepository
}

// NewAuthenticator creates an Authenticator backed by the given repositories.
func NewAuthenticator(servers repository.ServerRepository, tokens repository.AgentTokenRepository) *Authenticator {
	return &Authenticator{servers: servers, tokens: tokens}
}

// Authenticate validates auth and returns the server it identifies. A core
// server (IsCore) is accepted without a token. Otherwise the presented
// token's SHA-256 must match a live AgentToken row, or failing that the
// server's legacy per-server token hash.
func (a *Authenticator) Authenticate(ctx context.Context, auth transport.AgentAuth) (*db.Server, error) {
	serverID, err := uuid.Parse(auth.ServerID)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	server, err := a.servers.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("agentconn: look up server: %w", err)
	}

	if server.IsCore {
		return server, nil
	}

	hash := sha256Hex(auth.Token)

	tok, err := a.tokens.FindByServerAndHash(ctx, serverID, hash)
	switch {
	case err == nil:
		_ = a.tokens.Touch(ctx, tok.ID, time.Now())
		return server, nil
	case errors.Is(err, repository.ErrNotFound):
		// fall through to the legacy per-server token
	default:
		return nil, fmt.Errorf("agentconn: look up agent token: %w", err)
	}

	if server.LegacyTokenHash != "" && constantTimeHexEqual(hash, server.LegacyTokenHash) {
		return server, nil
	}

	return nil, ErrUnauthenticated
}

func sha256Hex(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// constantTimeHexEqual compares two hex-encoded digests in time that depends
// only on their length, never returning early on the first differing byte.
// Unequal lengths are an immediate mismatch (§8 property 2).
func constantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
