// Package frontend embeds an OAuth 2.0 authorization endpoint in a host
// framework that authenticates users through pluggable backends.
//
// The [AuthorizationEndpointWrapper] parses the authorization request with
// the wrapped [Endpoint], keeps it in the host [StateStore] while a backend
// authenticates the user and, once the backend answers, creates the
// authorization server session and redirects the user agent to the client.
//
//	wrapper, err := frontend.New("openid4vci", endpoint, converter, store, authenticate)
//	mux.HandleFunc("GET /authorization", func(w http.ResponseWriter, r *http.Request) {
//		if err := wrapper.HandleAuthnRequest(w, r); err != nil {
//			http.Error(w, err.Error(), http.StatusInternalServerError)
//		}
//	})
package frontend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const (
	// ProfileOpenID is the attribute profile claims are converted with.
	ProfileOpenID = "openid"

	SubjectTypePairwise = "pairwise"
	SubjectTypePublic   = "public"

	ResponsePlacementURL      = "url"
	ResponsePlacementFragment = "fragment"
	ResponsePlacementBody     = "body"
)

var (
	ErrUnsupportedResponsePlacement = errors.New("unsupported response placement")
	ErrRequestNotFound              = errors.New("no authorization request was found for the user agent")
)

// Endpoint is the authorization server endpoint the wrapper delegates the
// protocol to.
type Endpoint interface {
	// ParseRequest validates an authorization request. Errors of type
	// [goid4vci.AuthorizationError] are returned to the client as is.
	ParseRequest(ctx context.Context, params url.Values) (AuthorizationRequest, error)
	ClientInfo(ctx context.Context, clientID string) (ClientInfo, error)
	ClaimsSupported(ctx context.Context) []string
	// CreateSession creates the session the authorization response is issued
	// for and returns its identifier.
	CreateSession(ctx context.Context, args SessionArgs) (string, error)
	AuthorizeSession(ctx context.Context, sessionID string, req AuthorizationRequest, event AuthnEvent) (AuthorizationResult, error)
	// ResponsePlacement is where authorization responses go when the result
	// does not say otherwise.
	ResponsePlacement() string
	StoreClaims(ctx context.Context, sessionID string, claims map[string]any) error
}

// ClaimConverter maps claims between the host attribute names and the names
// of a profile.
type ClaimConverter interface {
	// ToInternalFilter returns the host attributes the profile claims map to.
	ToInternalFilter(profile string, claims []string) []string
	FromInternal(profile string, attributes map[string][]string) map[string][]string
}

// StateStore keeps data for a user agent between the authorization request
// and the backend response.
type StateStore interface {
	Save(w http.ResponseWriter, r *http.Request, key string, params url.Values) error
	// Load returns [ErrRequestNotFound] when nothing was saved under key.
	Load(r *http.Request, key string) (url.Values, error)
}

// AuthnRequestCallback hands the user over to a backend.
type AuthnRequestCallback func(w http.ResponseWriter, r *http.Request, req InternalRequest) error

type AuthorizationRequest struct {
	ClientID             string
	RedirectURI          string
	ResponseType         string
	ResponseMode         string
	State                string
	Scopes               []string
	AuthorizationDetails []goid4vci.AuthorizationDetail
	// Params are the parameters the request was built from.
	Params url.Values
}

// PlacesInFragment reports whether error responses go in the fragment, which
// is the case for every response type other than code.
func (req AuthorizationRequest) PlacesInFragment() bool {
	return req.ResponseType != "code"
}

type ClientInfo struct {
	ClientName  string
	SubjectType string
}

type LocalizedName struct {
	Lang string `json:"lang"`
	Text string `json:"text"`
}

// InternalRequest describes the authentication the backend must perform in
// the host data model.
type InternalRequest struct {
	SubjectType   string
	Requester     string
	RequesterName []LocalizedName
	// Attributes are the host attributes the client may be released.
	Attributes []string
}

type AuthInfo struct {
	AuthClassRef string
	// Timestamp is an ISO 8601 date time. A trailing Z stands for UTC.
	Timestamp string
	Issuer    string
}

// InternalResponse is what the backend found out about the user.
type InternalResponse struct {
	SubjectID  string
	AuthInfo   AuthInfo
	Attributes map[string][]string
}

type AuthnEvent struct {
	UserID    string
	Salt      string
	AuthnInfo string
	// AuthnTime is a unix timestamp. It is zero when the backend did not say
	// when the user authenticated.
	AuthnTime int
}

type SessionArgs struct {
	AuthnEvent  AuthnEvent
	Request     AuthorizationRequest
	UserID      string
	ClientID    string
	SubjectType string
}

// AuthorizationResult is the authorization response the endpoint built.
type AuthorizationResult struct {
	// RedirectURI is where the response is sent to. Its query is kept.
	RedirectURI string
	Params      url.Values
	// ResponsePlacement overrides the endpoint placement when set.
	ResponsePlacement string
}
