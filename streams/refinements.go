package streams

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Actor refines Object for Person and its sibling actor types
// (Application, Group, Organization, Service).
type Actor struct{ Object }

var actorTypes = map[string]bool{
	"Person": true, "Application": true, "Group": true,
	"Organization": true, "Service": true,
}

// AsActor refines o, failing if its type is not an actor variant.
func AsActor(o Object) (Actor, error) {
	if !actorTypes[o.Type()] {
		return Actor{}, fmt.Errorf("%w: %q is not an actor type", ErrWrongType, o.Type())
	}
	return Actor{o}, nil
}

// Inbox returns the actor's inbox URI.
func (a Actor) Inbox() string { return a.json.Get("inbox").String() }

// SharedInbox returns the actor's shared inbox URI, if advertised under
// endpoints.sharedInbox.
func (a Actor) SharedInbox() (string, bool) {
	v := a.json.Get("endpoints.sharedInbox")
	if v.Type != gjson.String {
		return "", false
	}
	return v.String(), true
}

// PreferredInbox returns the shared inbox when present, else the personal
// inbox.
func (a Actor) PreferredInbox() string {
	if shared, ok := a.SharedInbox(); ok && shared != "" {
		return shared
	}
	return a.Inbox()
}

// PublicKeyID returns publicKey.id.
func (a Actor) PublicKeyID() string { return a.json.Get("publicKey.id").String() }

// PublicKeyPEM returns publicKey.publicKeyPem.
func (a Actor) PublicKeyPEM() string { return a.json.Get("publicKey.publicKeyPem").String() }

// PreferredUsername returns the actor's handle, if present.
func (a Actor) PreferredUsername() string { return a.json.Get("preferredUsername").String() }

// Note refines Object for the Note type local posts and remote replies use.
type Note struct{ Object }

// AsNote refines o, failing if its type is not "Note".
func AsNote(o Object) (Note, error) {
	if o.Type() != "Note" {
		return Note{}, fmt.Errorf("%w: %q is not Note", ErrWrongType, o.Type())
	}
	return Note{o}, nil
}

// Content returns the note's content field.
func (n Note) Content() string { return n.json.Get("content").String() }

// AttributedTo returns the note's author id.
func (n Note) AttributedTo() string { return n.json.Get("attributedTo").String() }

// Link refines Object for bare Link objects (e.g. Mention tags).
type Link struct{ Object }

// AsLink refines o, failing if its type is not "Link" or "Mention".
func AsLink(o Object) (Link, error) {
	if o.Type() != "Link" && o.Type() != "Mention" {
		return Link{}, fmt.Errorf("%w: %q is not Link", ErrWrongType, o.Type())
	}
	return Link{o}, nil
}

// Href returns the link's target.
func (l Link) Href() string { return l.json.Get("href").String() }

// Activity is the shared shape of the seven dispatched activity types:
// an actor, an object reference, and the base Object fields.
type Activity struct{ Object }

// Actor returns the activity's actor id.
func (a Activity) Actor() string { return a.json.Get("actor").String() }

// ObjectRef returns a Reference to the activity's object field.
func (a Activity) ObjectRef() Reference {
	return newReference(a.json.Get("object"))
}

// Create refines Activity for type "Create".
type Create struct{ Activity }

// AsCreate refines o.
func AsCreate(o Object) (Create, error) {
	if o.Type() != "Create" {
		return Create{}, fmt.Errorf("%w: %q is not Create", ErrWrongType, o.Type())
	}
	return Create{Activity{o}}, nil
}

// Follow refines Activity for type "Follow".
type Follow struct{ Activity }

// AsFollow refines o.
func AsFollow(o Object) (Follow, error) {
	if o.Type() != "Follow" {
		return Follow{}, fmt.Errorf("%w: %q is not Follow", ErrWrongType, o.Type())
	}
	return Follow{Activity{o}}, nil
}

// Undo refines Activity for type "Undo".
type Undo struct{ Activity }

// AsUndo refines o.
func AsUndo(o Object) (Undo, error) {
	if o.Type() != "Undo" {
		return Undo{}, fmt.Errorf("%w: %q is not Undo", ErrWrongType, o.Type())
	}
	return Undo{Activity{o}}, nil
}

// Accept refines Activity for type "Accept".
type Accept struct{ Activity }

// AsAccept refines o.
func AsAccept(o Object) (Accept, error) {
	if o.Type() != "Accept" {
		return Accept{}, fmt.Errorf("%w: %q is not Accept", ErrWrongType, o.Type())
	}
	return Accept{Activity{o}}, nil
}

// Reject refines Activity for type "Reject".
type Reject struct{ Activity }

// AsReject refines o.
func AsReject(o Object) (Reject, error) {
	if o.Type() != "Reject" {
		return Reject{}, fmt.Errorf("%w: %q is not Reject", ErrWrongType, o.Type())
	}
	return Reject{Activity{o}}, nil
}

// Like refines Activity for type "Like".
type Like struct{ Activity }

// AsLike refines o.
func AsLike(o Object) (Like, error) {
	if o.Type() != "Like" {
		return Like{}, fmt.Errorf("%w: %q is not Like", ErrWrongType, o.Type())
	}
	return Like{Activity{o}}, nil
}

// Announce refines Activity for type "Announce".
type Announce struct{ Activity }

// AsAnnounce refines o.
func AsAnnounce(o Object) (Announce, error) {
	if o.Type() != "Announce" {
		return Announce{}, fmt.Errorf("%w: %q is not Announce", ErrWrongType, o.Type())
	}
	return Announce{Activity{o}}, nil
}

// ActivityVisitor holds one callback per dispatched activity kind. Dispatch
// calls whichever field matches o's type, or Default if set and no field
// matches.
type ActivityVisitor struct {
	VisitCreate   func(Create) error
	VisitFollow   func(Follow) error
	VisitUndo     func(Undo) error
	VisitAccept   func(Accept) error
	VisitReject   func(Reject) error
	VisitLike     func(Like) error
	VisitAnnounce func(Announce) error
	Default       func(Object) error
}

// Dispatch type-switches on o.Type() and invokes the matching visitor
// callback, falling back to Default (a no-op if unset).
func (v ActivityVisitor) Dispatch(o Object) error {
	switch o.Type() {
	case "Create":
		if v.VisitCreate != nil {
			refined, err := AsCreate(o)
			if err != nil {
				return err
			}
			return v.VisitCreate(refined)
		}
	case "Follow":
		if v.VisitFollow != nil {
			refined, err := AsFollow(o)
			if err != nil {
				return err
			}
			return v.VisitFollow(refined)
		}
	case "Undo":
		if v.VisitUndo != nil {
			refined, err := AsUndo(o)
			if err != nil {
				return err
			}
			return v.VisitUndo(refined)
		}
	case "Accept":
		if v.VisitAccept != nil {
			refined, err := AsAccept(o)
			if err != nil {
				return err
			}
			return v.VisitAccept(refined)
		}
	case "Reject":
		if v.VisitReject != nil {
			refined, err := AsReject(o)
			if err != nil {
				return err
			}
			return v.VisitReject(refined)
		}
	case "Like":
		if v.VisitLike != nil {
			refined, err := AsLike(o)
			if err != nil {
				return err
			}
			return v.VisitLike(refined)
		}
	case "Announce":
		if v.VisitAnnounce != nil {
			refined, err := AsAnnounce(o)
			if err != nil {
				return err
			}
			return v.VisitAnnounce(refined)
		}
	}
	if v.Default != nil {
		return v.Default(o)
	}
	return nil
}
