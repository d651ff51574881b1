package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string, used as the job ident when the caller
// does not supply one.
func NewID() string {
	return ulid.Make().String()
}
