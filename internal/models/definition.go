package models

import (
	"time"

	"github.com/google/uuid"
)

// DefinitionKind discriminates theme and API definitions.
type DefinitionKind string

const (
	KindTheme DefinitionKind = "theme"
	KindAPI   DefinitionKind = "api"
)

// Valid reports whether k is a known kind.
func (k DefinitionKind) Valid() bool {
	return k == KindTheme || k == KindAPI
}

// Definition describes a deployable image, either a shared theme frontend or
// a per tenant API backend. Exactly one definition per kind is the default.
type Definition struct {
	ID           uuid.UUID
	Kind         DefinitionKind
	Name         string
	Image        string
	InternalPort int
	IsActive     bool
	IsDefault    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GlobalApp is a platform wide application routed by subdomain of the
// primary domain, for example the admin console.
type GlobalApp struct {
	Name      string `yaml:"name"`
	Subdomain string `yaml:"subdomain"`
	Service   string `yaml:"service"`
	Port      int    `yaml:"port"`
}
