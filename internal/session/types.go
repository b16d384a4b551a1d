package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	ClientID string `json:"client_id"`
	Avatar   string `json:"avatar"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ClientID        string    `json:"client_id"`
	Status          Status    `json:"status"`
	Avatar          string    `json:"avatar"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}
