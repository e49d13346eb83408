package api

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ControlPlaneDown bool   `json:"control_plane_down"`
	ConsumersReady   int    `json:"consumers_ready"`
	ConsumersTotal   int    `json:"consumers_total"`
}

// ConsumerStatus describes one queue consumer.
type ConsumerStatus struct {
	Name     string `json:"name"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	Panicked bool   `json:"panicked"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	System           string           `json:"system"`
	Version          string           `json:"version"`
	Instance         string           `json:"instance"`
	Namespace        string           `json:"namespace"`
	Running          bool             `json:"running"`
	ControlPlaneDown bool             `json:"control_plane_down"`
	Consumers        []ConsumerStatus `json:"consumers"`
	InFlight         map[string]int   `json:"in_flight"`
	Commands         []string         `json:"commands"`
	EventsDropped    int64            `json:"events_dropped"`
}
