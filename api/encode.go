package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/entity"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/intermediaire"
)

// The read side mirrors the mutation wire convention: documents travel as flat
// string field-maps. A GET therefore returns exactly the shape a queued
// mutation merges into, which keeps the clients' optimistic projections a
// plain key-wise merge.

func feiToWire(f fei.Fei) map[string]string {
	m := map[string]string{
		"numero":   f.Numero,
		"workflow": string(f.Workflow()),
	}
	putTime(m, fei.KeyDateMiseAMort, f.DateMiseAMort)
	putStr(m, fei.KeyHeureMiseAMortPremiereCarcasse, f.HeureMiseAMortPremiereCarcasse)
	putStr(m, fei.KeyCommuneMiseAMort, f.CommuneMiseAMort)

	putStr(m, fei.KeyCurrentOwnerUserID, f.CurrentOwnerUserID)
	putStr(m, fei.KeyCurrentOwnerEntityID, f.CurrentOwnerEntityID)
	m[fei.KeyCurrentOwnerRole] = string(f.CurrentOwnerRole)
	putStr(m, fei.KeyNextOwnerUserID, f.NextOwnerUserID)
	putStr(m, fei.KeyNextOwnerEntityID, f.NextOwnerEntityID)
	putRole(m, fei.KeyNextOwnerRole, f.NextOwnerRole)
	putStr(m, "fei_prev_owner_user_id", f.PrevOwnerUserID)
	putStr(m, "fei_prev_owner_entity_id", f.PrevOwnerEntityID)
	putRole(m, "fei_prev_owner_role", f.PrevOwnerRole)

	putStr(m, fei.KeyExaminateurInitialUserID, f.ExaminateurInitialUserID)
	putBool(m, fei.KeyExaminateurApprobation, f.ExaminateurInitialApprobationMiseSurLeMarche)
	putTime(m, "examinateur_initial_date_approbation_mise_sur_le_marche", f.ExaminateurInitialDateApprobationMiseSurLeMarche)

	putStr(m, fei.KeyPremierDetenteurUserID, f.PremierDetenteurUserID)
	putStr(m, fei.KeyPremierDetenteurEntityID, f.PremierDetenteurEntityID)
	putTime(m, fei.KeyPremierDetenteurDateDepot, f.PremierDetenteurDateDepotQuelquePart)

	putStr(m, "svi_entity_id", f.SviEntityID)
	putTime(m, "svi_assigned_at", f.SviAssignedAt)
	putTime(m, fei.KeySviSignedAt, f.SviSignedAt)
	putTime(m, fei.KeyIntermediaireClosedAt, f.IntermediaireClosedAt)

	putStr(m, fei.KeyResumeNombreDeCarcasses, f.ResumeNombreDeCarcasses)
	m["created_by_user_id"] = f.CreatedByUserID
	putTime(m, fei.KeyDeletedAt, f.DeletedAt)
	m["created_at"] = f.CreatedAt.UTC().Format(time.RFC3339)
	m["updated_at"] = f.UpdatedAt.UTC().Format(time.RFC3339)
	return m
}

func feiListToWire(fiches []fei.Fei) []map[string]string {
	out := make([]map[string]string, 0, len(fiches))
	for _, f := range fiches {
		out = append(out, feiToWire(f))
	}
	return out
}

func carcasseToWire(c carcasse.Carcasse) map[string]string {
	m := map[string]string{
		carcasse.KeyNumeroBracelet: c.NumeroBracelet,
		carcasse.KeyFeiNumero:      c.FeiNumero,
	}
	putTime(m, "date_mise_a_mort", c.DateMiseAMort)

	putStr(m, carcasse.KeyEspece, c.Espece)
	putStr(m, carcasse.KeyCategorie, c.Categorie)
	if c.NombreDAnimaux != nil {
		m[carcasse.KeyNombreDAnimaux] = strconv.Itoa(*c.NombreDAnimaux)
	}
	putList(m, carcasse.KeyExaminateurAnomaliesCarcasse, c.ExaminateurAnomaliesCarcasse)
	putList(m, carcasse.KeyExaminateurAnomaliesAbats, c.ExaminateurAnomaliesAbats)
	putStr(m, carcasse.KeyExaminateurCommentaire, c.ExaminateurCommentaire)
	putTime(m, carcasse.KeyExaminateurSignedAt, c.ExaminateurSignedAt)

	putBool(m, carcasse.KeyIntermediairePriseEnCharge, c.IntermediairePriseEnCharge)
	putBool(m, carcasse.KeyIntermediaireCarcasseManquante, c.IntermediaireCarcasseManquante)
	putStr(m, carcasse.KeyIntermediaireCommentaire, c.IntermediaireCommentaire)
	putTime(m, carcasse.KeyIntermediaireSignedAt, c.IntermediaireSignedAt)

	putBool(m, carcasse.KeySviCarcasseSaisie, c.SviCarcasseSaisie)
	putList(m, carcasse.KeySviCarcasseSaisieMotif, c.SviCarcasseSaisieMotif)
	putTime(m, carcasse.KeySviCarcasseSignedAt, c.SviCarcasseSignedAt)

	putTime(m, "deleted_at", c.DeletedAt)
	m["created_at"] = c.CreatedAt.UTC().Format(time.RFC3339)
	m["updated_at"] = c.UpdatedAt.UTC().Format(time.RFC3339)
	return m
}

func intermediaireToWire(rec intermediaire.Record) map[string]string {
	m := map[string]string{
		"id":         rec.ID,
		"fei_numero": rec.FeiNumero,
		"entity_id":  rec.EntityID,
		"user_id":    rec.UserID,
	}
	putTime(m, "received_at", rec.ReceivedAt)
	putTime(m, "check_finished_at", rec.CheckFinishedAt)
	putTime(m, "handover_at", rec.HandoverAt)
	putStr(m, "commentaire", rec.Commentaire)
	m["created_at"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	return m
}

func entityToWire(e entity.Entity) map[string]string {
	m := map[string]string{
		"id":   e.ID,
		"nom":  e.Nom,
		"type": string(e.Type),
	}
	putStr(m, "siret", e.Siret)
	putStr(m, "adresse", e.Adresse)
	putStr(m, "code_postal", e.CodePostal)
	putStr(m, "ville", e.Ville)
	return m
}

func userToWire(u auth.User) map[string]any {
	roles := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, string(r))
	}
	m := map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"full_name": u.FullName,
		"roles":     roles,
	}
	if u.Phone != nil {
		m["phone"] = *u.Phone
	}
	return m
}

func putStr(m map[string]string, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}

func putRole(m map[string]string, key string, v *fei.Role) {
	if v != nil {
		m[key] = string(*v)
	}
}

func putBool(m map[string]string, key string, v *bool) {
	if v != nil {
		m[key] = strconv.FormatBool(*v)
	}
}

func putTime(m map[string]string, key string, v *time.Time) {
	if v != nil {
		m[key] = v.UTC().Format(time.RFC3339)
	}
}

func putList(m map[string]string, key string, v []string) {
	if len(v) > 0 {
		m[key] = strings.Join(v, ",")
	}
}
