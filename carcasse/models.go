package carcasse

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/betagouv/zacharie-sub005/fei"
)

var (
	// ErrNotFound is returned when no carcass exists for the bracelet.
	ErrNotFound = errors.New("carcasse: not found")
	// ErrSignedGroupImmutable signals an edit against a field group whose
	// sign-off timestamp is set. The group must be unsigned first.
	ErrSignedGroupImmutable = errors.New("carcasse: field group already signed")
	// ErrMissingKeys signals a mutation without the bracelet/fiche pair.
	ErrMissingKeys = errors.New("carcasse: numero_bracelet and fei_numero required")
)

// Carcasse is one tagged unit of game within a fiche. Its three field groups
// are written by different roles at different workflow stages and freeze
// independently once signed.
type Carcasse struct {
	NumeroBracelet string
	FeiNumero      string
	DateMiseAMort  *time.Time

	// Examiner group.
	Espece                       *string
	Categorie                    *string
	NombreDAnimaux               *int
	ExaminateurAnomaliesCarcasse []string
	ExaminateurAnomaliesAbats    []string
	ExaminateurCommentaire       *string
	ExaminateurSignedAt          *time.Time

	// Intermediate-handler group.
	IntermediairePriseEnCharge     *bool
	IntermediaireCarcasseManquante *bool
	IntermediaireCommentaire       *string
	IntermediaireSignedAt          *time.Time

	// Inspection-authority group.
	SviCarcasseSaisie      *bool
	SviCarcasseSaisieMotif []string
	SviCarcasseSignedAt    *time.Time

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wire keys for the line-item mutation endpoint. List-valued fields travel as
// comma-separated strings, booleans as "true"/"false".
const (
	KeyNumeroBracelet                 = "numero_bracelet"
	KeyFeiNumero                      = "fei_numero"
	KeyAction                         = "action"
	KeyEspece                         = "espece"
	KeyCategorie                      = "categorie"
	KeyNombreDAnimaux                 = "nombre_d_animaux"
	KeyExaminateurAnomaliesCarcasse   = "examinateur_anomalies_carcasse"
	KeyExaminateurAnomaliesAbats      = "examinateur_anomalies_abats"
	KeyExaminateurCommentaire         = "examinateur_commentaire"
	KeyExaminateurSignedAt            = "examinateur_signed_at"
	KeyIntermediairePriseEnCharge     = "intermediaire_prise_en_charge"
	KeyIntermediaireCarcasseManquante = "intermediaire_carcasse_manquante"
	KeyIntermediaireCommentaire       = "intermediaire_commentaire"
	KeyIntermediaireSignedAt          = "intermediaire_signed_at"
	KeySviCarcasseSaisie              = "svi_carcasse_saisie"
	KeySviCarcasseSaisieMotif         = "svi_carcasse_saisie_motif"
	KeySviCarcasseSignedAt            = "svi_carcasse_signed_at"

	ActionDelete = "delete"
)

// Patch is the typed sparse update for a carcass, keyed by bracelet number.
type Patch struct {
	NumeroBracelet string
	FeiNumero      string
	Delete         bool

	Espece                       fei.Opt[string]
	Categorie                    fei.Opt[string]
	NombreDAnimaux               fei.Opt[int]
	ExaminateurAnomaliesCarcasse fei.Opt[[]string]
	ExaminateurAnomaliesAbats    fei.Opt[[]string]
	ExaminateurCommentaire       fei.Opt[string]
	ExaminateurSignedAt          fei.Opt[time.Time]

	IntermediairePriseEnCharge     fei.Opt[bool]
	IntermediaireCarcasseManquante fei.Opt[bool]
	IntermediaireCommentaire       fei.Opt[string]
	IntermediaireSignedAt          fei.Opt[time.Time]

	SviCarcasseSaisie      fei.Opt[bool]
	SviCarcasseSaisieMotif fei.Opt[[]string]
	SviCarcasseSignedAt    fei.Opt[time.Time]
}

// ParsePatch converts a wire field-map into a typed Patch. Boolean values
// other than the literal strings "true"/"false" are treated as absent.
func ParsePatch(fields map[string]string) (Patch, error) {
	p := Patch{
		NumeroBracelet: fields[KeyNumeroBracelet],
		FeiNumero:      fields[KeyFeiNumero],
		Delete:         fields[KeyAction] == ActionDelete,
	}
	if p.NumeroBracelet == "" || p.FeiNumero == "" {
		return Patch{}, ErrMissingKeys
	}
	for key, raw := range fields {
		switch key {
		case KeyEspece:
			p.Espece = fei.Set(raw)
		case KeyCategorie:
			p.Categorie = fei.Set(raw)
		case KeyNombreDAnimaux:
			if raw == "" {
				p.NombreDAnimaux = fei.Clear[int]()
				continue
			}
			var n int
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return Patch{}, fmt.Errorf("carcasse: parse %s: %w", key, err)
			}
			p.NombreDAnimaux = fei.Set(n)
		case KeyExaminateurAnomaliesCarcasse:
			p.ExaminateurAnomaliesCarcasse = fei.Set(splitList(raw))
		case KeyExaminateurAnomaliesAbats:
			p.ExaminateurAnomaliesAbats = fei.Set(splitList(raw))
		case KeyExaminateurCommentaire:
			p.ExaminateurCommentaire = fei.Set(raw)
		case KeyExaminateurSignedAt:
			if err := parseTime(raw, &p.ExaminateurSignedAt); err != nil {
				return Patch{}, fmt.Errorf("carcasse: parse %s: %w", key, err)
			}
		case KeyIntermediairePriseEnCharge:
			setBool(raw, &p.IntermediairePriseEnCharge)
		case KeyIntermediaireCarcasseManquante:
			setBool(raw, &p.IntermediaireCarcasseManquante)
		case KeyIntermediaireCommentaire:
			p.IntermediaireCommentaire = fei.Set(raw)
		case KeyIntermediaireSignedAt:
			if err := parseTime(raw, &p.IntermediaireSignedAt); err != nil {
				return Patch{}, fmt.Errorf("carcasse: parse %s: %w", key, err)
			}
		case KeySviCarcasseSaisie:
			setBool(raw, &p.SviCarcasseSaisie)
		case KeySviCarcasseSaisieMotif:
			p.SviCarcasseSaisieMotif = fei.Set(splitList(raw))
		case KeySviCarcasseSignedAt:
			if err := parseTime(raw, &p.SviCarcasseSignedAt); err != nil {
				return Patch{}, fmt.Errorf("carcasse: parse %s: %w", key, err)
			}
		}
	}
	return p, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func setBool(raw string, dst *fei.Opt[bool]) {
	switch raw {
	case "true":
		*dst = fei.Set(true)
	case "false":
		*dst = fei.Set(false)
	}
}

func parseTime(raw string, dst *fei.Opt[time.Time]) error {
	if raw == "" {
		*dst = fei.Clear[time.Time]()
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}
	*dst = fei.Set(t.UTC())
	return nil
}

func (p Patch) touchesExaminateurGroup() bool {
	return p.Espece.IsSet() || p.Categorie.IsSet() || p.NombreDAnimaux.IsSet() ||
		p.ExaminateurAnomaliesCarcasse.IsSet() || p.ExaminateurAnomaliesAbats.IsSet() ||
		p.ExaminateurCommentaire.IsSet()
}

func (p Patch) touchesIntermediaireGroup() bool {
	return p.IntermediairePriseEnCharge.IsSet() || p.IntermediaireCarcasseManquante.IsSet() ||
		p.IntermediaireCommentaire.IsSet()
}

func (p Patch) touchesSviGroup() bool {
	return p.SviCarcasseSaisie.IsSet() || p.SviCarcasseSaisieMotif.IsSet()
}

func unsigns(o fei.Opt[time.Time]) bool {
	return o.IsSet() && o.Value().IsZero()
}

// Validate enforces the sign-off immutability invariant: a signed field group
// only changes when the same or an earlier mutation explicitly unsigns it.
func (p Patch) Validate(current *Carcasse) error {
	if current == nil {
		return nil
	}
	if current.ExaminateurSignedAt != nil && p.touchesExaminateurGroup() && !unsigns(p.ExaminateurSignedAt) {
		return fmt.Errorf("%w: examinateur", ErrSignedGroupImmutable)
	}
	if current.IntermediaireSignedAt != nil && p.touchesIntermediaireGroup() && !unsigns(p.IntermediaireSignedAt) {
		return fmt.Errorf("%w: intermediaire", ErrSignedGroupImmutable)
	}
	if current.SviCarcasseSignedAt != nil && p.touchesSviGroup() && !unsigns(p.SviCarcasseSignedAt) {
		return fmt.Errorf("%w: svi", ErrSignedGroupImmutable)
	}
	return nil
}

func (p Patch) apply(c *Carcasse) {
	applyString(p.Espece, &c.Espece)
	applyString(p.Categorie, &c.Categorie)
	if p.NombreDAnimaux.IsSet() {
		if v := p.NombreDAnimaux.Value(); v == 0 {
			c.NombreDAnimaux = nil
		} else {
			c.NombreDAnimaux = &v
		}
	}
	if p.ExaminateurAnomaliesCarcasse.IsSet() {
		c.ExaminateurAnomaliesCarcasse = p.ExaminateurAnomaliesCarcasse.Value()
	}
	if p.ExaminateurAnomaliesAbats.IsSet() {
		c.ExaminateurAnomaliesAbats = p.ExaminateurAnomaliesAbats.Value()
	}
	applyString(p.ExaminateurCommentaire, &c.ExaminateurCommentaire)
	applyTime(p.ExaminateurSignedAt, &c.ExaminateurSignedAt)

	applyBool(p.IntermediairePriseEnCharge, &c.IntermediairePriseEnCharge)
	applyBool(p.IntermediaireCarcasseManquante, &c.IntermediaireCarcasseManquante)
	applyString(p.IntermediaireCommentaire, &c.IntermediaireCommentaire)
	applyTime(p.IntermediaireSignedAt, &c.IntermediaireSignedAt)

	applyBool(p.SviCarcasseSaisie, &c.SviCarcasseSaisie)
	if p.SviCarcasseSaisieMotif.IsSet() {
		c.SviCarcasseSaisieMotif = p.SviCarcasseSaisieMotif.Value()
	}
	applyTime(p.SviCarcasseSignedAt, &c.SviCarcasseSignedAt)
}

func applyString(o fei.Opt[string], dst **string) {
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

func applyBool(o fei.Opt[bool], dst **bool) {
	if !o.IsSet() {
		return
	}
	v := o.Value()
	*dst = &v
}

func applyTime(o fei.Opt[time.Time], dst **time.Time) {
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
