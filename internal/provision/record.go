package provision

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/models"
)

// Record holds the OS and database identities derived for a tenant. Every
// field is a pure function of the tenant id and the volume root.
type Record struct {
	TenantID    uuid.UUID
	User        string
	Group       string
	Database    string
	Role        string
	Password    string
	StoragePath string
}

// Derive builds the record for tenantID.
func Derive(tenantID uuid.UUID, volumeRoot string) Record {
	base := models.BaseID(tenantID)
	return Record{
		TenantID:    tenantID,
		User:        "u_" + base,
		Group:       "g_" + base,
		Database:    "db_" + base,
		Role:        "u_" + base,
		Password:    "w_" + base,
		StoragePath: filepath.Join(volumeRoot, tenantID.String()),
	}
}
