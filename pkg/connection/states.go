package connection

import "github.com/remote-mirror/pkg/types"

var edges = map[types.ConnectionState][]types.ConnectionState{
	types.StateInit:         {types.StateConnecting, types.StateDisconnected},
	types.StateConnecting:   {types.StateAuthRequired, types.StateReconnecting, types.StateDisconnected},
	types.StateAuthRequired: {types.StateConnected, types.StateAuthInvalid, types.StateReconnecting, types.StateDisconnected},
	types.StateConnected:    {types.StateReconnecting, types.StateDisconnected},
	types.StateReconnecting: {types.StateConnecting, types.StateDisconnected},
	types.StateAuthInvalid:  {types.StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to types.ConnectionState) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
