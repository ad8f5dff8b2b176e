package intermediaire

import "time"

// Record is one intermediate custody node between the premier detenteur and
// the SVI. Several may exist per fiche; the most recently created one is the
// active handler.
type Record struct {
	ID              string
	FeiNumero       string
	EntityID        string
	UserID          string
	ReceivedAt      *time.Time
	CheckFinishedAt *time.Time
	HandoverAt      *time.Time
	Commentaire     *string
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateParams enumerates the fields required to open a handling event.
type CreateParams struct {
	FeiNumero string
	EntityID  string
	UserID    string
}
