package fei

import "time"

// Role is a position in the custody chain of an accompaniment sheet.
type Role string

const (
	RoleExaminateurInitial Role = "EXAMINATEUR_INITIAL"
	RolePremierDetenteur   Role = "PREMIER_DETENTEUR"
	RoleCollecteurPro      Role = "COLLECTEUR_PRO"
	RoleEtg                Role = "ETG"
	RoleSvi                Role = "SVI"

	// Circuit-court destinations: the carcass leaves the professional chain
	// and goes straight to an end consumer, bypassing collecteur/ETG/SVI.
	RoleCommerceDeDetail          Role = "COMMERCE_DE_DETAIL"
	RoleRepasDeChasseOuAssociatif Role = "REPAS_DE_CHASSE_OU_ASSOCIATIF"
	RoleAssociationDeChasse       Role = "ASSOCIATION_DE_CHASSE"
	RoleConsommateurFinal         Role = "CONSOMMATEUR_FINAL"
)

// nextRoles is the directed graph of legal custody handoffs. A next-owner
// role outside the adjacency list of the current role is rejected.
var nextRoles = map[Role][]Role{
	RoleExaminateurInitial: {RolePremierDetenteur},
	RolePremierDetenteur: {
		RoleCollecteurPro, RoleEtg, RoleSvi,
		RoleCommerceDeDetail, RoleRepasDeChasseOuAssociatif,
		RoleAssociationDeChasse, RoleConsommateurFinal,
	},
	RoleCollecteurPro: {RoleEtg},
	RoleEtg:           {RoleCollecteurPro, RoleSvi},
}

// CanTransition reports whether to is reachable from from in the role graph.
func CanTransition(from, to Role) bool {
	for _, r := range nextRoles[from] {
		if r == to {
			return true
		}
	}
	return false
}

// IsCircuitCourt reports whether the role is a short-circuit end-consumer
// destination.
func IsCircuitCourt(r Role) bool {
	switch r {
	case RoleCommerceDeDetail, RoleRepasDeChasseOuAssociatif,
		RoleAssociationDeChasse, RoleConsommateurFinal:
		return true
	default:
		return false
	}
}

// State is the derived workflow position of a fiche.
type State string

const (
	StateCreated                 State = "CREATED"
	StateExaminateurPending      State = "EXAMINATEUR_PENDING"
	StatePremierDetenteurPending State = "PREMIER_DETENTEUR_PENDING"
	StateInTransit               State = "IN_TRANSIT"
	StateSviAssigned             State = "SVI_ASSIGNED"
	StateClosed                  State = "CLOSED"
)

// Fei mirrors the fiches table columns touched by the custody core. It is the
// aggregate root: carcasses and intermediaires reference it by Numero and are
// soft-deleted with it, never hard-deleted.
type Fei struct {
	// Numero is assigned client-side before the first network attempt so
	// offline creations replay without duplicating documents.
	Numero string

	DateMiseAMort                  *time.Time
	HeureMiseAMortPremiereCarcasse *string
	CommuneMiseAMort               *string

	CurrentOwnerUserID   *string
	CurrentOwnerEntityID *string
	CurrentOwnerRole     Role
	NextOwnerUserID      *string
	NextOwnerEntityID    *string
	NextOwnerRole        *Role
	PrevOwnerUserID      *string
	PrevOwnerEntityID    *string
	PrevOwnerRole        *Role

	ExaminateurInitialUserID                         *string
	ExaminateurInitialApprobationMiseSurLeMarche     *bool
	ExaminateurInitialDateApprobationMiseSurLeMarche *time.Time

	PremierDetenteurUserID               *string
	PremierDetenteurEntityID             *string
	PremierDetenteurDateDepotQuelquePart *time.Time

	// The SVI assignment is stamped once and survives later clears of the
	// next-owner fields: the inspection entity is fixed for the life of the
	// fiche.
	SviEntityID             *string
	SviAssignedAt           *time.Time
	SviSignedAt             *time.Time
	IntermediaireClosedAt   *time.Time
	ResumeNombreDeCarcasses *string

	CreatedByUserID string
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Workflow derives the state-machine position from the persisted fields.
func (f *Fei) Workflow() State {
	switch {
	case f.SviSignedAt != nil || f.IntermediaireClosedAt != nil:
		return StateClosed
	case f.NextOwnerRole != nil && *f.NextOwnerRole != "" && IsCircuitCourt(*f.NextOwnerRole):
		return StateClosed
	case f.CurrentOwnerRole == RoleSvi || (f.NextOwnerRole != nil && *f.NextOwnerRole == RoleSvi):
		return StateSviAssigned
	case f.CurrentOwnerRole == RoleCollecteurPro || f.CurrentOwnerRole == RoleEtg:
		return StateInTransit
	case f.ExaminateurInitialApprobationMiseSurLeMarche != nil && *f.ExaminateurInitialApprobationMiseSurLeMarche:
		return StatePremierDetenteurPending
	case f.ExaminateurInitialUserID != nil:
		return StateExaminateurPending
	default:
		return StateCreated
	}
}

// Closed reports whether the workflow reached a terminal position.
func (f *Fei) Closed() bool {
	return f.Workflow() == StateClosed
}

// Actor identifies the user performing a mutation together with the roles and
// entity the session carries. Sessions are passed explicitly; there is no
// ambient user singleton.
type Actor struct {
	UserID   string
	EntityID *string
	Roles    []Role
}

// HasRole reports whether the actor carries the given custody role.
func (a Actor) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}
