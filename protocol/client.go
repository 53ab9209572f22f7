package protocol

import (
	"github.com/google/uuid"

	"github.com/islet-project/warden/types"
)

// ErrorKind classifies an RPC failure for the client.
type ErrorKind string

const (
	ErrInvalidRealmState      ErrorKind = "InvalidRealmState"
	ErrRealmNotFound          ErrorKind = "RealmNotFound"
	ErrApplicationNotFound    ErrorKind = "ApplicationNotFound"
	ErrRealmConnectionTimeout ErrorKind = "RealmConnectionTimeout"
	ErrRealmResponseTimeout   ErrorKind = "RealmResponseTimeout"
	ErrRealmProtocolError     ErrorKind = "RealmProtocolError"
	ErrHypervisorError        ErrorKind = "HypervisorError"
	ErrNetworkError           ErrorKind = "NetworkError"
	ErrPersistenceError       ErrorKind = "PersistenceError"
	ErrInvalidConfig          ErrorKind = "InvalidConfig"
	ErrInternal               ErrorKind = "Internal"
)

// Error is the error payload of any RPC response.
type Error struct {
	Kind ErrorKind `json:"kind"`
	Msg  string    `json:"msg"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

// Request is the client→daemon message union. Exactly one field is non-nil;
// the JSON encoding is externally tagged by the field name.
type Request struct {
	CreateRealm       *CreateRealm       `json:"CreateRealm,omitempty"`
	StartRealm        *RealmTarget       `json:"StartRealm,omitempty"`
	StopRealm         *RealmTarget       `json:"StopRealm,omitempty"`
	RebootRealm       *RealmTarget       `json:"RebootRealm,omitempty"`
	DestroyRealm      *RealmTarget       `json:"DestroyRealm,omitempty"`
	InspectRealm      *RealmTarget       `json:"InspectRealm,omitempty"`
	ListRealms        *ListRealms        `json:"ListRealms,omitempty"`
	CreateApplication *CreateApplication `json:"CreateApplication,omitempty"`
	UpdateApplication *UpdateApplication `json:"UpdateApplication,omitempty"`
	StartApplication  *ApplicationTarget `json:"StartApplication,omitempty"`
	StopApplication   *ApplicationTarget `json:"StopApplication,omitempty"`
}

type CreateRealm struct {
	Config types.RealmConfig `json:"config"`
}

type RealmTarget struct {
	UUID uuid.UUID `json:"uuid"`
}

type ListRealms struct{}

type CreateApplication struct {
	UUID   uuid.UUID               `json:"uuid"`
	Config types.ApplicationConfig `json:"config"`
}

type UpdateApplication struct {
	UUID   uuid.UUID               `json:"uuid"`
	App    uuid.UUID               `json:"app"`
	Config types.ApplicationConfig `json:"config"`
}

type ApplicationTarget struct {
	UUID uuid.UUID `json:"uuid"`
	App  uuid.UUID `json:"app"`
}

// Response is the daemon→client message union.
type Response struct {
	Ok                 *Ok                 `json:"Ok,omitempty"`
	CreatedRealm       *CreatedRealm       `json:"CreatedRealm,omitempty"`
	InspectedRealm     *InspectedRealm     `json:"InspectedRealm,omitempty"`
	ListedRealms       *ListedRealms       `json:"ListedRealms,omitempty"`
	CreatedApplication *CreatedApplication `json:"CreatedApplication,omitempty"`
	Error              *Error              `json:"Error,omitempty"`
}

type Ok struct{}

type CreatedRealm struct {
	UUID uuid.UUID `json:"uuid"`
}

type InspectedRealm struct {
	Description types.RealmDescription `json:"description"`
}

type ListedRealms struct {
	Descriptions []types.RealmDescription `json:"descriptions"`
}

type CreatedApplication struct {
	UUID uuid.UUID `json:"uuid"`
}
