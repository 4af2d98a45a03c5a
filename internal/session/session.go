// Package session models the viewer identity the engine is acting for.
// The engine only queries identity; an external auth collaborator owns
// its lifecycle (anonymous -> authenticated -> signed-out).
package session

// Session is the identity context passed into sync and access calls.
// A nil or anonymous session means no user is signed in. Reviewer is
// resolved server-side from the role table, never from client-held
// profile data.
type Session struct {
	UserID   string
	Reviewer bool
}

// Anonymous returns the unauthenticated session.
func Anonymous() Session {
	return Session{}
}

// Authenticated reports whether a user is signed in.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}

// Owns reports whether the session's user owns the given owner id.
// Anonymous sessions own nothing, including anonymous-origin records.
func (s Session) Owns(ownerID *string) bool {
	return s.Authenticated() && ownerID != nil && *ownerID == s.UserID
}
