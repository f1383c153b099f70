package types

import "time"

// SandboxStatus represents the current state of a sandbox
type SandboxStatus string

const (
	SandboxStatusCreating SandboxStatus = "creating"
	SandboxStatusRunning  SandboxStatus = "running"
	SandboxStatusStopped  SandboxStatus = "stopped"
	SandboxStatusFailed   SandboxStatus = "failed"
)

// TargetType represents what kind of target a scan points at
type TargetType string

const (
	TargetTypeURL        TargetType = "url"
	TargetTypeRepository TargetType = "repository"
)

// ScanType represents the depth of a scan
type ScanType string

const (
	ScanTypeDeep       ScanType = "deep"
	ScanTypeQuick      ScanType = "quick"
	ScanTypeCompliance ScanType = "compliance"
)

// Sandbox is a logical handle to one ephemeral compute task.
// The sandbox ID is the sole correlation key with the backend task;
// it is attached to the task as a tag, never stored in a local table.
type Sandbox struct {
	ID            string        `json:"sandbox_id"`
	Status        SandboxStatus `json:"status"`
	ToolServerURL *string       `json:"tool_server_url,omitempty"`
	PublicIP      *string       `json:"public_ip,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// CreateSandboxRequest carries everything the lifecycle manager needs
// to provision a sandbox for one scan
type CreateSandboxRequest struct {
	ScanID     string
	Target     string
	TargetType TargetType
	ScanType   ScanType
}

// Valid reports whether the request names a supported target and scan type
func (r *CreateSandboxRequest) Valid() bool {
	switch r.TargetType {
	case TargetTypeURL, TargetTypeRepository:
	default:
		return false
	}
	switch r.ScanType {
	case ScanTypeDeep, ScanTypeQuick, ScanTypeCompliance:
	default:
		return false
	}
	return r.ScanID != "" && r.Target != ""
}
