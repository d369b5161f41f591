package auth

import (
	"net/http"
	"strings"
)

type UserType string

const (
	TypeGuest   UserType = "guest"
	TypeRegular UserType = "regular"
)

// GuestCookieName carries a guest identity issued by the guest auth endpoint.
const GuestCookieName = "guest_user_id"

// Identity is the resolved requester: who is calling and at what tier.
type Identity struct {
	UserID string
	Type   UserType
}

// Resolver turns an incoming request into an Identity, or nil when the
// request carries no usable credentials. Two strategies back it: a signed
// session token (Authorization bearer or session cookie) and the guest
// cookie. Ownership checks downstream only ever see the Identity, so both
// strategies share one code path.
type Resolver struct {
	secret string
}

func NewResolver(jwtSecret string) *Resolver {
	return &Resolver{secret: jwtSecret}
}

func (r *Resolver) Resolve(req *http.Request) *Identity {
	if id := r.fromToken(req); id != nil {
		return id
	}
	return r.fromGuestCookie(req)
}

func (r *Resolver) fromToken(req *http.Request) *Identity {
	tokenStr := ""
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tokenStr = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := req.Cookie("session_token"); err == nil {
		tokenStr = c.Value
	}
	if tokenStr == "" {
		return nil
	}

	claims, err := ParseJWT(tokenStr, r.secret)
	if err != nil || claims.UserID == "" {
		return nil
	}
	typ := claims.UserType
	if typ == "" {
		typ = TypeRegular
	}
	return &Identity{UserID: claims.UserID, Type: typ}
}

func (r *Resolver) fromGuestCookie(req *http.Request) *Identity {
	c, err := req.Cookie(GuestCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	return &Identity{UserID: c.Value, Type: TypeGuest}
}
