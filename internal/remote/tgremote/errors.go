package tgremote

import (
	"strings"

	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/gotd/td/tgerr"
)

var notFoundTypes = map[string]struct{}{
	"USER_ID_INVALID":        {},
	"CHANNEL_INVALID":        {},
	"CHAT_ID_INVALID":        {},
	"PEER_ID_INVALID":        {},
	"INPUT_USER_DEACTIVATED": {},
	"MSG_ID_INVALID":         {},
}

var accessDeniedTypes = map[string]struct{}{
	"CHANNEL_PRIVATE":         {},
	"CHAT_ADMIN_REQUIRED":     {},
	"USER_BANNED_IN_CHANNEL":  {},
	"CHAT_FORBIDDEN":          {},
	"CHANNEL_PUBLIC_GROUP_NA": {},
	"RIGHT_FORBIDDEN":         {},
	"USER_PRIVACY_RESTRICTED": {},
}

var notModifiedTypes = map[string]struct{}{
	"USER_ALREADY_PARTICIPANT": {},
	"USER_NOT_PARTICIPANT":     {},
}

// classify wraps an RPC failure of method into a remote.CallError carrying the taxonomy sentinel.
// Anything that is not a recognized RPC error stays transient.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return remote.NewCallError(method, "", nil, err)
	}
	return remote.NewCallError(method, rpcErr.Type, kindOf(rpcErr.Type), err)
}

func kindOf(errorType string) error {
	if _, ok := notFoundTypes[errorType]; ok {
		return remote.ErrNotFound
	}
	if _, ok := accessDeniedTypes[errorType]; ok {
		return remote.ErrAccessDenied
	}
	if _, ok := notModifiedTypes[errorType]; ok {
		return remote.ErrNotModified
	}
	if strings.HasSuffix(errorType, "_NOT_MODIFIED") {
		return remote.ErrNotModified
	}
	return nil
}
