package model

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// SystemActor identifies repairs made by the server itself.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}
