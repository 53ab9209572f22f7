package types

import "github.com/google/uuid"

// Partition UUID namespaces. The guest addresses its encrypted partitions by
// UUIDs derived from the application id, so both sides compute the same
// values without an extra exchange.
var (
	imagePartNamespace = uuid.MustParse("8e61a164-9ef8-4a29-9add-d5ed80f0a30c")
	dataPartNamespace  = uuid.MustParse("4f3cb2a1-6f13-4e5e-a55c-96d9e23f8d0e")
)

// ApplicationConfig is the client-supplied application definition, persisted
// under <workdir>/<realm>/apps/<uuid>.json together with the installed flag.
type ApplicationConfig struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	ImageRegistry    string `json:"image_registry"`
	ImageStorageSize uint32 `json:"image_storage_size_mb"`
	DataStorageSize  uint32 `json:"data_storage_size_mb"`
}

// Application is one provisioned payload inside a realm. Installed tracks
// whether the guest acked a ProvisionInfo that listed this config; it says
// "provisioning was requested", not "present on the guest disk".
type Application struct {
	ID        uuid.UUID         `json:"id"`
	Config    ApplicationConfig `json:"config"`
	Installed bool              `json:"installed"`
}

// ApplicationDescription is the client-facing application snapshot.
type ApplicationDescription struct {
	ID        uuid.UUID         `json:"id"`
	Config    ApplicationConfig `json:"config"`
	Installed bool              `json:"installed"`
}

// ApplicationInfo is the provisioning record sent to the in-guest agent.
type ApplicationInfo struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	ImageRegistry string    `json:"image_registry"`
	ImagePartUUID uuid.UUID `json:"image_part_uuid"`
	DataPartUUID  uuid.UUID `json:"data_part_uuid"`
}

// Info derives the guest-facing provisioning record for the application.
func (a *Application) Info() ApplicationInfo {
	return ApplicationInfo{
		ID:            a.ID,
		Name:          a.Config.Name,
		Version:       a.Config.Version,
		ImageRegistry: a.Config.ImageRegistry,
		ImagePartUUID: ImagePartUUID(a.ID),
		DataPartUUID:  DataPartUUID(a.ID),
	}
}

// Describe returns the client-facing snapshot of the application.
func (a *Application) Describe() ApplicationDescription {
	return ApplicationDescription{ID: a.ID, Config: a.Config, Installed: a.Installed}
}

// ImagePartUUID returns the deterministic UUID of the application's image
// partition.
func ImagePartUUID(appID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(imagePartNamespace, appID[:])
}

// DataPartUUID returns the deterministic UUID of the application's data
// partition.
func DataPartUUID(appID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(dataPartNamespace, appID[:])
}
