package fei

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition signals a next-owner role outside the custody
	// role graph. The mutation is rejected before anything is persisted.
	ErrInvalidTransition = errors.New("fei: invalid custody transition")
	// ErrNotFound is returned when no fiche exists for the numero.
	ErrNotFound = errors.New("fei: not found")
	// ErrForbiddenRole signals an actor claiming custody under a role their
	// session does not carry.
	ErrForbiddenRole = errors.New("fei: actor does not hold the required role")
	// ErrClosed signals a mutation against a terminal fiche.
	ErrClosed = errors.New("fei: fiche is closed")
)

// Opt carries a sparse field assignment. An unset Opt leaves the persisted
// value alone; a set Opt with the zero value clears the field. The wire format
// distinguishes "not sent" from "sent empty" and so must we.
type Opt[T any] struct {
	set   bool
	value T
}

// Set builds a present assignment.
func Set[T any](v T) Opt[T] {
	return Opt[T]{set: true, value: v}
}

// Clear builds a present-but-empty assignment that erases the field.
func Clear[T any]() Opt[T] {
	return Opt[T]{set: true}
}

// IsSet reports whether the field was present in the mutation.
func (o Opt[T]) IsSet() bool { return o.set }

// Value returns the assigned value; only meaningful when IsSet.
func (o Opt[T]) Value() T { return o.value }

// Patch is the typed sparse update applied to a fiche. Each field maps to one
// wire key; absent fields never overwrite persisted values.
type Patch struct {
	DateMiseAMort                  Opt[time.Time]
	HeureMiseAMortPremiereCarcasse Opt[string]
	CommuneMiseAMort               Opt[string]

	CurrentOwnerUserID   Opt[string]
	CurrentOwnerEntityID Opt[string]
	CurrentOwnerRole     Opt[Role]
	NextOwnerUserID      Opt[string]
	NextOwnerEntityID    Opt[string]
	NextOwnerRole        Opt[Role]

	ExaminateurInitialUserID                     Opt[string]
	ExaminateurInitialApprobationMiseSurLeMarche Opt[bool]

	PremierDetenteurUserID               Opt[string]
	PremierDetenteurEntityID             Opt[string]
	PremierDetenteurDateDepotQuelquePart Opt[time.Time]

	SviSignedAt           Opt[time.Time]
	IntermediaireClosedAt Opt[time.Time]

	ResumeNombreDeCarcasses Opt[string]
	DeletedAt               Opt[time.Time]
}

// Empty reports whether the patch assigns nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Wire keys accepted by ParsePatch. Booleans travel as the literal strings
// "true"/"false"; any other value is treated as absent. Empty string clears.
const (
	KeyDateMiseAMort                  = "date_mise_a_mort"
	KeyHeureMiseAMortPremiereCarcasse = "heure_mise_a_mort_premiere_carcasse"
	KeyCommuneMiseAMort               = "commune_mise_a_mort"
	KeyCurrentOwnerUserID             = "fei_current_owner_user_id"
	KeyCurrentOwnerEntityID           = "fei_current_owner_entity_id"
	KeyCurrentOwnerRole               = "fei_current_owner_role"
	KeyNextOwnerUserID                = "fei_next_owner_user_id"
	KeyNextOwnerEntityID              = "fei_next_owner_entity_id"
	KeyNextOwnerRole                  = "fei_next_owner_role"
	KeyExaminateurInitialUserID       = "examinateur_initial_user_id"
	KeyExaminateurApprobation         = "examinateur_initial_approbation_mise_sur_le_marche"
	KeyPremierDetenteurUserID         = "premier_detenteur_user_id"
	KeyPremierDetenteurEntityID       = "premier_detenteur_entity_id"
	KeyPremierDetenteurDateDepot      = "premier_detenteur_date_depot_quelque_part"
	KeySviSignedAt                    = "svi_signed_at"
	KeyIntermediaireClosedAt          = "intermediaire_closed_at"
	KeyResumeNombreDeCarcasses        = "resume_nombre_de_carcasses"
	KeyDeletedAt                      = "deleted_at"

	// KeyRedirectHint is the client's post-mutation navigation target. It
	// rides along in the field-map so queued replays carry it, but it is
	// never persisted.
	KeyRedirectHint = "redirect_to"
)

// ParsePatch converts a wire field-map into a typed Patch. Unknown keys are
// ignored so older clients can keep replaying queued mutations against newer
// servers.
func ParsePatch(fields map[string]string) (Patch, error) {
	var p Patch
	for key, raw := range fields {
		switch key {
		case KeyDateMiseAMort:
			if err := parseTime(raw, &p.DateMiseAMort); err != nil {
				return Patch{}, fmt.Errorf("fei: parse %s: %w", key, err)
			}
		case KeyHeureMiseAMortPremiereCarcasse:
			p.HeureMiseAMortPremiereCarcasse = Set(raw)
		case KeyCommuneMiseAMort:
			p.CommuneMiseAMort = Set(raw)
		case KeyCurrentOwnerUserID:
			p.CurrentOwnerUserID = Set(raw)
		case KeyCurrentOwnerEntityID:
			p.CurrentOwnerEntityID = Set(raw)
		case KeyCurrentOwnerRole:
			p.CurrentOwnerRole = Set(Role(raw))
		case KeyNextOwnerUserID:
			p.NextOwnerUserID = Set(raw)
		case KeyNextOwnerEntityID:
			p.NextOwnerEntityID = Set(raw)
		case KeyNextOwnerRole:
			p.NextOwnerRole = Set(Role(raw))
		case KeyExaminateurInitialUserID:
			p.ExaminateurInitialUserID = Set(raw)
		case KeyExaminateurApprobation:
			if b, ok := parseBool(raw); ok {
				p.ExaminateurInitialApprobationMiseSurLeMarche = Set(b)
			}
		case KeyPremierDetenteurUserID:
			p.PremierDetenteurUserID = Set(raw)
		case KeyPremierDetenteurEntityID:
			p.PremierDetenteurEntityID = Set(raw)
		case KeyPremierDetenteurDateDepot:
			if err := parseTime(raw, &p.PremierDetenteurDateDepotQuelquePart); err != nil {
				return Patch{}, fmt.Errorf("fei: parse %s: %w", key, err)
			}
		case KeySviSignedAt:
			if err := parseTime(raw, &p.SviSignedAt); err != nil {
				return Patch{}, fmt.Errorf("fei: parse %s: %w", key, err)
			}
		case KeyIntermediaireClosedAt:
			if err := parseTime(raw, &p.IntermediaireClosedAt); err != nil {
				return Patch{}, fmt.Errorf("fei: parse %s: %w", key, err)
			}
		case KeyResumeNombreDeCarcasses:
			p.ResumeNombreDeCarcasses = Set(raw)
		case KeyDeletedAt:
			if err := parseTime(raw, &p.DeletedAt); err != nil {
				return Patch{}, fmt.Errorf("fei: parse %s: %w", key, err)
			}
		case KeyRedirectHint:
			// Navigation hint for the client, dropped here.
		}
	}
	return p, nil
}

func parseBool(raw string) (bool, bool) {
	switch raw {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

func parseTime(raw string, dst *Opt[time.Time]) error {
	if raw == "" {
		*dst = Clear[time.Time]()
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			*dst = Set(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", raw)
}

// Validate checks the patch against the current fiche state. The only hard
// rule enforced here is the role graph; field-group immutability lives with
// the carcasses.
func (p Patch) Validate(current *Fei) error {
	if !p.NextOwnerRole.IsSet() {
		return nil
	}
	next := p.NextOwnerRole.Value()
	if next == "" {
		// Clearing the next owner is always legal.
		return nil
	}
	from := current.CurrentOwnerRole
	if p.CurrentOwnerRole.IsSet() && p.CurrentOwnerRole.Value() != "" {
		from = p.CurrentOwnerRole.Value()
	}
	if !CanTransition(from, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return nil
}

// apply writes the present assignments onto the fiche. Zero-valued presents
// clear the corresponding nullable column.
func (p Patch) apply(f *Fei) {
	applyTime(p.DateMiseAMort, &f.DateMiseAMort)
	applyString(p.HeureMiseAMortPremiereCarcasse, &f.HeureMiseAMortPremiereCarcasse)
	applyString(p.CommuneMiseAMort, &f.CommuneMiseAMort)

	applyString(p.CurrentOwnerUserID, &f.CurrentOwnerUserID)
	applyString(p.CurrentOwnerEntityID, &f.CurrentOwnerEntityID)
	if p.CurrentOwnerRole.IsSet() && p.CurrentOwnerRole.Value() != "" {
		f.CurrentOwnerRole = p.CurrentOwnerRole.Value()
	}
	applyString(p.NextOwnerUserID, &f.NextOwnerUserID)
	applyString(p.NextOwnerEntityID, &f.NextOwnerEntityID)
	applyRole(p.NextOwnerRole, &f.NextOwnerRole)

	applyString(p.ExaminateurInitialUserID, &f.ExaminateurInitialUserID)
	if p.ExaminateurInitialApprobationMiseSurLeMarche.IsSet() {
		v := p.ExaminateurInitialApprobationMiseSurLeMarche.Value()
		f.ExaminateurInitialApprobationMiseSurLeMarche = &v
	}

	applyString(p.PremierDetenteurUserID, &f.PremierDetenteurUserID)
	applyString(p.PremierDetenteurEntityID, &f.PremierDetenteurEntityID)
	applyTime(p.PremierDetenteurDateDepotQuelquePart, &f.PremierDetenteurDateDepotQuelquePart)

	applyTime(p.SviSignedAt, &f.SviSignedAt)
	applyTime(p.IntermediaireClosedAt, &f.IntermediaireClosedAt)
	applyString(p.ResumeNombreDeCarcasses, &f.ResumeNombreDeCarcasses)
	applyTime(p.DeletedAt, &f.DeletedAt)
}

func applyString(o Opt[string], dst **string) {
	if !o.IsSet() {
		return
	}
	if o.Value() == "" {
		*dst = nil
		return
	}
	v := o.Value()
	*dst = &v
}

func applyTime(o Opt[time.Time], dst **time.Time) {
	if !o.IsSet() {
		return
	}
	if o.Value().IsZero() {
		*dst = nil
		return
	}
	v := o.Value()
	*dst = &v
}

func applyRole(o Opt[Role], dst **Role) {
	if !o.IsSet() {
		return
	}
	if o.Value() == "" {
		*dst = nil
		return
	}
	v := o.Value()
	*dst = &v
}
