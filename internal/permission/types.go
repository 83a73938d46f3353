// Package permission implements the permission-type registry, the
// persisted per-token grant set, and the dashboard arbitration path.
package permission

import (
	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Level grades how sensitive a permission is; the dashboard surfaces it
// to the approving human.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Metadata describes a permission for approval UI purposes. Name and
// note are locale-keyed.
type Metadata struct {
	Level Level             `json:"level"`
	Name  map[string]string `json:"name"`
	Note  map[string]string `json:"note,omitempty"`
}

// Type is a named capability apps can be granted.
type Type struct {
	ID       protocol.Identifier `json:"id"`
	Metadata Metadata            `json:"metadata"`
}

// Request is one pending grant decision, forwarded to the dashboard.
type Request struct {
	RequestID   string       `json:"request_id"`
	App         protocol.App `json:"app"`
	Permissions []Type       `json:"permissions"`
}
