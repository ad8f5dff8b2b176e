package entity

import (
	"time"

	"github.com/betagouv/zacharie-sub005/fei"
)

// Entity is a legal participant in the custody chain: a collection point
// (CCG), a collecteur pro, a processing plant (ETG), a veterinary inspection
// service (SVI) or a circuit-court destination.
type Entity struct {
	ID         string
	Nom        string
	Type       fei.Role
	Siret      *string
	Adresse    *string
	CodePostal *string
	Ville      *string

	// Usage flags, stamped once on first use and kept for onboarding stats.
	FirstFeiTreatedAt    *time.Time
	FirstSviAssignmentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relation links a user to an entity they work with. The client caches these
// to synthesize next-custodian records while offline.
type Relation struct {
	UserID    string
	EntityID  string
	CreatedAt time.Time
}
