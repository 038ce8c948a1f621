package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/luikyv/go-oid4vci/internal/strutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const defaultSaltSize = 8

type AuthorizationEndpointWrapper struct {
	name      string
	endpoint  Endpoint
	converter ClaimConverter
	store     StateStore
	callback  AuthnRequestCallback
	logger    *slog.Logger
	saltSize  int
}

type Option func(*AuthorizationEndpointWrapper) error

func WithLogger(logger *slog.Logger) Option {
	return func(e *AuthorizationEndpointWrapper) error {
		e.logger = logger
		return nil
	}
}

// WithSaltSize sets the number of random bytes of the authentication event
// salt.
func WithSaltSize(n int) Option {
	return func(e *AuthorizationEndpointWrapper) error {
		if n <= 0 {
			return errors.New("the salt size must be positive")
		}
		e.saltSize = n
		return nil
	}
}

// New wraps endpoint as the frontend called name. The authorization request
// is kept in store under name while callback authenticates the user.
func New(
	name string,
	endpoint Endpoint,
	converter ClaimConverter,
	store StateStore,
	callback AuthnRequestCallback,
	opts ...Option,
) (*AuthorizationEndpointWrapper, error) {
	if name == "" {
		return nil, errors.New("the frontend name cannot be empty")
	}
	if endpoint == nil || converter == nil || store == nil || callback == nil {
		return nil, errors.New("the endpoint, claim converter, state store and callback are required")
	}

	e := &AuthorizationEndpointWrapper{
		name:      name,
		endpoint:  endpoint,
		converter: converter,
		store:     store,
		callback:  callback,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		saltSize:  defaultSaltSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// HandleAuthnRequest parses the authorization request and passes the user on
// to the backend. Invalid requests are answered with the OAuth error. The
// error returned is one the wrapper could not answer the client with.
func (e *AuthorizationEndpointWrapper) HandleAuthnRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		e.writeError(w, goid4vci.AuthorizationError{
			Code:        goid4vci.ErrorCodeInvalidRequest,
			Description: "could not parse the request",
		})
		return nil
	}
	params := cloneValues(r.Form)

	details, err := decodeAuthorizationDetails(params)
	if err != nil {
		e.writeError(w, goid4vci.AuthorizationError{
			Code:        goid4vci.ErrorCodeInvalidAuthDetails,
			Description: err.Error(),
		})
		return nil
	}

	req, err := e.endpoint.ParseRequest(ctx, params)
	if err != nil {
		return e.handleEndpointError(w, err)
	}
	if len(req.AuthorizationDetails) == 0 {
		req.AuthorizationDetails = details
	}

	if err := e.store.Save(w, r, e.name, params); err != nil {
		return fmt.Errorf("could not keep the authorization request: %w", err)
	}

	client, err := e.endpoint.ClientInfo(ctx, req.ClientID)
	if err != nil {
		return fmt.Errorf("could not load the client %s: %w", req.ClientID, err)
	}

	internalReq := InternalRequest{
		SubjectType: client.SubjectType,
		Requester:   req.ClientID,
	}
	if internalReq.SubjectType == "" {
		internalReq.SubjectType = SubjectTypePairwise
	}
	if client.ClientName != "" {
		internalReq.RequesterName = []LocalizedName{{Lang: "en", Text: client.ClientName}}
	}
	if claims := e.endpoint.ClaimsSupported(ctx); len(claims) != 0 {
		internalReq.Attributes = e.converter.ToInternalFilter(ProfileOpenID, claims)
	}

	e.logger.Info("authorization request accepted", slog.String("frontend", e.name),
		slog.String("client_id", req.ClientID))
	return e.callback(w, r, internalReq)
}

// HandleAuthnResponse issues the authorization response once the backend
// authenticated the user and redirects the user agent to the client with a
// 303. Only responses placed in the redirect URI query are supported.
func (e *AuthorizationEndpointWrapper) HandleAuthnResponse(w http.ResponseWriter, r *http.Request, resp InternalResponse) error {
	ctx := r.Context()
	params, err := e.store.Load(r, e.name)
	if err != nil {
		return err
	}

	req, err := e.endpoint.ParseRequest(ctx, params)
	if err != nil {
		return e.handleEndpointError(w, err)
	}

	claims := combineClaims(e.converter.FromInternal(ProfileOpenID, resp.Attributes))

	event, err := e.newAuthnEvent(resp)
	if err != nil {
		return err
	}

	client, err := e.endpoint.ClientInfo(ctx, req.ClientID)
	if err != nil {
		return fmt.Errorf("could not load the client %s: %w", req.ClientID, err)
	}
	subjectType := client.SubjectType
	if subjectType == "" {
		subjectType = SubjectTypePublic
	}

	sessionID, err := e.endpoint.CreateSession(ctx, SessionArgs{
		AuthnEvent:  event,
		Request:     req,
		UserID:      resp.SubjectID,
		ClientID:    req.ClientID,
		SubjectType: subjectType,
	})
	if err != nil {
		return fmt.Errorf("could not create the session: %w", err)
	}

	result, err := e.endpoint.AuthorizeSession(ctx, sessionID, req, event)
	if err != nil {
		var authErr goid4vci.AuthorizationError
		if errors.As(err, &authErr) {
			e.logger.Info("authorization refused", slog.String("frontend", e.name),
				slog.String("error", authErr.Error()))
			e.writeJSON(w, authErr, http.StatusForbidden)
			return nil
		}
		return fmt.Errorf("could not authorize the session: %w", err)
	}

	placement := result.ResponsePlacement
	if placement == "" {
		placement = e.endpoint.ResponsePlacement()
	}
	if placement != "" && placement != ResponsePlacementURL {
		return fmt.Errorf("%w: %s", ErrUnsupportedResponsePlacement, placement)
	}

	redirectURI := result.RedirectURI
	if redirectURI == "" {
		redirectURI = req.RedirectURI
	}
	redirectURL, err := mergeQuery(redirectURI, result.Params)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}

	if err := e.endpoint.StoreClaims(ctx, sessionID, claims); err != nil {
		return fmt.Errorf("could not store the claims: %w", err)
	}

	e.logger.Info("authorization response issued", slog.String("frontend", e.name),
		slog.String("client_id", req.ClientID))
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	return nil
}

// HandleBackendError sends the user agent back to the client with
// access_denied when the backend could not authenticate the user.
func (e *AuthorizationEndpointWrapper) HandleBackendError(w http.ResponseWriter, r *http.Request, backendErr error) error {
	params, err := e.store.Load(r, e.name)
	if err != nil {
		return err
	}

	req := requestFromParams(params)
	if req.RedirectURI == "" {
		return errors.New("the authorization request has no redirect uri")
	}

	errParams := url.Values{}
	errParams.Set("error", string(goid4vci.ErrorCodeAccessDenied))
	errParams.Set("error_description", backendErr.Error())
	if req.State != "" {
		errParams.Set("state", req.State)
	}

	var redirectURL string
	if req.PlacesInFragment() {
		redirectURL, err = strutil.URLWithFragmentParams(req.RedirectURI, errParams)
	} else {
		redirectURL, err = strutil.URLWithQueryParams(req.RedirectURI, errParams)
	}
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}

	e.logger.Info("backend error", slog.String("frontend", e.name), slog.String("error", backendErr.Error()))
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	return nil
}

func (e *AuthorizationEndpointWrapper) handleEndpointError(w http.ResponseWriter, err error) error {
	var authErr goid4vci.AuthorizationError
	if !errors.As(err, &authErr) {
		return err
	}

	e.logger.Info("invalid authorization request", slog.String("frontend", e.name),
		slog.String("error", authErr.Error()))
	e.writeError(w, authErr)
	return nil
}

func (e *AuthorizationEndpointWrapper) newAuthnEvent(resp InternalResponse) (AuthnEvent, error) {
	event := AuthnEvent{
		UserID:    resp.SubjectID,
		Salt:      strutil.RandomBase64URL(e.saltSize),
		AuthnInfo: resp.AuthInfo.AuthClassRef,
	}

	if resp.AuthInfo.Timestamp != "" {
		authnTime, err := parseTimestamp(resp.AuthInfo.Timestamp)
		if err != nil {
			return AuthnEvent{}, err
		}
		event.AuthnTime = authnTime
	}
	return event, nil
}

func (e *AuthorizationEndpointWrapper) writeError(w http.ResponseWriter, err goid4vci.AuthorizationError) {
	e.writeJSON(w, err, err.Code.StatusCode())
}

func (e *AuthorizationEndpointWrapper) writeJSON(w http.ResponseWriter, obj any, status int) {
	w.Header().Set("Content-Type", goid4vci.ContentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		e.logger.Error("could not write the response", slog.String("error", err.Error()))
	}
}

// decodeAuthorizationDetails decodes the JSON authorization details and
// writes them back to params in compact form. Details sent URL encoded
// twice are accepted.
func decodeAuthorizationDetails(params url.Values) ([]goid4vci.AuthorizationDetail, error) {
	raw := params.Get("authorization_details")
	if raw == "" {
		return nil, nil
	}

	var details []goid4vci.AuthorizationDetail
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		unescaped, unescapeErr := url.QueryUnescape(raw)
		if unescapeErr != nil {
			return nil, fmt.Errorf("invalid authorization details: %w", err)
		}
		if err := json.Unmarshal([]byte(unescaped), &details); err != nil {
			return nil, fmt.Errorf("invalid authorization details: %w", err)
		}
	}

	for _, d := range details {
		if d.Type == "" {
			return nil, errors.New("invalid authorization details: type is required")
		}
	}

	compact, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	params.Set("authorization_details", string(compact))
	return details, nil
}

// requestFromParams reads a request already validated by the endpoint.
func requestFromParams(params url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:     params.Get("client_id"),
		RedirectURI:  params.Get("redirect_uri"),
		ResponseType: params.Get("response_type"),
		ResponseMode: params.Get("response_mode"),
		State:        params.Get("state"),
		Scopes:       strings.Fields(params.Get("scope")),
		Params:       params,
	}
}

// mergeQuery adds params to the query of u. Parameters in params replace
// the ones u already has.
func mergeQuery(u string, params url.Values) (string, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return "", err
	}

	query := parsedURL.Query()
	for p, values := range params {
		query[p] = append([]string(nil), values...)
	}
	parsedURL.RawQuery = query.Encode()
	return parsedURL.String(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// parseTimestamp converts an ISO 8601 date time to a unix timestamp. Date
// times without an offset are taken as UTC.
func parseTimestamp(s string) (int, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return int(t.Unix()), nil
		}
	}
	return 0, fmt.Errorf("invalid authentication timestamp %q", s)
}

func cloneValues(v url.Values) url.Values {
	clone := make(url.Values, len(v))
	for k, values := range v {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}
