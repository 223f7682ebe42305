package postgres

import "github.com/google/uuid"

func newPreviewID() string {
	return uuid.NewString()
}
