// Package model contains the serializable representations of domain state.
package model

// InstanceSnapshot describes one shared language server instance at a point
// in time, as returned by the lspMux/status request.
type InstanceSnapshot struct {
	Server          string   `json:"server"`
	Args            []string `json:"args,omitempty"`
	WorkspaceRoot   string   `json:"workspaceRoot"`
	State           string   `json:"state"`
	PID             int      `json:"pid,omitempty"`
	Clients         []string `json:"clients"`
	PendingRequests int      `json:"pendingRequests"`
}

// StatusReport is the full reply payload of a lspMux/status request.
type StatusReport struct {
	Version   string             `json:"version"`
	Instances []InstanceSnapshot `json:"instances"`
}
