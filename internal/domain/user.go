package domain

import "time"

// User is the owning account for projects and previews. Account creation
// and GitHub linking happen outside this service; rows exist so quota and
// authorization checks have a real owner to resolve against.
type User struct {
	ID        string
	Email     string
	Tier      Tier
	CreatedAt time.Time
}
