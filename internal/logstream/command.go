package logstream

import (
	"encoding/json"
	"fmt"

	"github.com/arkeep-io/orchestrator/internal/transport"
)

// marshalCommand builds a transport.Command with an explicit id — streamLogs,
// stopStreamLogs and getLogs all correlate their agent-side replies
// (logs:stream:line, logs:stream:status, logs:result) back to the id the
// router itself chose, unlike the dispatcher's commands which are correlated
// by a dispatcher-generated id instead (§4.4).
func marshalCommand(id string, action transport.CommandAction, appName string, payload any) (transport.Command, error) {
	if payload == nil {
		return transport.Command{ID: id, Action: action, AppName: appName}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transport.Command{}, fmt.Errorf("logstream: marshal command payload: %w", err)
	}
	return transport.Command{ID: id, Action: action, AppName: appName, Payload: body}, nil
}
