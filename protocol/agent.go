package protocol

import (
	"github.com/google/uuid"

	"github.com/islet-project/warden/types"
)

// AgentRequest is the daemon→guest message union, externally tagged.
type AgentRequest struct {
	ProvisionInfo  *ProvisionInfo `json:"ProvisionInfo,omitempty"`
	StartApp       *AppRef        `json:"StartApp,omitempty"`
	StopApp        *AppRef        `json:"StopApp,omitempty"`
	KillApp        *AppRef        `json:"KillApp,omitempty"`
	CheckAppStatus *AppRef        `json:"CheckAppStatus,omitempty"`
	Reboot         *Empty         `json:"Reboot,omitempty"`
	Shutdown       *Empty         `json:"Shutdown,omitempty"`
}

// AgentResponse is the guest→daemon message union.
type AgentResponse struct {
	Success   *Empty      `json:"Success,omitempty"`
	AppStatus *AppStatus  `json:"AppStatus,omitempty"`
	Error     *AgentError `json:"Error,omitempty"`
}

type Empty struct{}

type ProvisionInfo struct {
	Apps []types.ApplicationInfo `json:"apps"`
}

type AppRef struct {
	ID uuid.UUID `json:"id"`
}

// AppStatus reports whether an application's process is running inside the
// guest, and its exit status once it is not.
type AppStatus struct {
	Running    bool `json:"running"`
	ExitStatus *int `json:"exit_status,omitempty"`
}

type AgentError struct {
	Msg string `json:"msg"`
}
