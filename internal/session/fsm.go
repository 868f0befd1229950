package session

import "hooktun/internal/model"

// transitions enumerates the legal session state changes. Lost is terminal
// for a window instance; a fresh window handle starts over at unattached.
var transitions = map[model.SessionState]map[model.SessionState]bool{
	model.SessionUnattached: {
		model.SessionProbing:    true,
		model.SessionInstalling: true,
		model.SessionLost:       true,
	},
	model.SessionProbing: {
		model.SessionInstalling: true,
		model.SessionConnected:  true,
		model.SessionLost:       true,
	},
	model.SessionInstalling: {
		model.SessionProbing:   true,
		model.SessionConnected: true,
		model.SessionLost:      true,
	},
	model.SessionConnected: {
		model.SessionDegraded: true,
		model.SessionLost:     true,
	},
	model.SessionDegraded: {
		model.SessionConnected: true,
		model.SessionLost:      true,
	},
	model.SessionLost: {},
}

func CanTransition(from, to model.SessionState) bool {
	return transitions[from][to]
}
