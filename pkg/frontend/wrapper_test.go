package frontend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/luikyv/go-oid4vci/pkg/frontend"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const (
	clientID    = "https://rp.example.org"
	redirectURI = "https://rp.example.org/cb?origin=wallet"
)

func TestHandleAuthnRequest(t *testing.T) {
	// Given.
	wrapper, endpoint, _ := setUp(t)
	var got frontend.InternalRequest
	wrapper = newWrapper(t, endpoint, func(_ http.ResponseWriter, _ *http.Request, req frontend.InternalRequest) error {
		got = req
		return nil
	})

	// When.
	rec := httptest.NewRecorder()
	err := wrapper.HandleAuthnRequest(rec, authorizationRequest(url.Values{
		"authorization_details": {`[{"type":"openid_credential","format":"vc+sd-jwt","vct":"EHICCredential"}]`},
	}))

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := frontend.InternalRequest{
		SubjectType:   frontend.SubjectTypePairwise,
		Requester:     clientID,
		RequesterName: []frontend.LocalizedName{{Lang: "en", Text: "Relying Party"}},
		Attributes:    []string{"givenname", "surname"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Error(diff)
	}

	wantDetails := []goid4vci.AuthorizationDetail{{Type: "openid_credential", Format: "vc+sd-jwt", VCT: "EHICCredential"}}
	if diff := cmp.Diff(endpoint.parsed[len(endpoint.parsed)-1].AuthorizationDetails, wantDetails); diff != "" {
		t.Error(diff)
	}
}

func TestHandleAuthnRequest_ClientSubjectType(t *testing.T) {
	// Given.
	_, endpoint, _ := setUp(t)
	endpoint.client = frontend.ClientInfo{SubjectType: frontend.SubjectTypePublic}
	endpoint.claims = nil
	var got frontend.InternalRequest
	wrapper := newWrapper(t, endpoint, func(_ http.ResponseWriter, _ *http.Request, req frontend.InternalRequest) error {
		got = req
		return nil
	})

	// When.
	err := wrapper.HandleAuthnRequest(httptest.NewRecorder(), authorizationRequest(nil))

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := frontend.InternalRequest{
		SubjectType: frontend.SubjectTypePublic,
		Requester:   clientID,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Error(diff)
	}
}

func TestHandleAuthnRequest_InvalidRequest(t *testing.T) {
	testCases := []struct {
		name   string
		params url.Values
		status int
		code   goid4vci.ErrorCode
	}{
		{"invalid authorization details", url.Values{"authorization_details": {"{not json"}},
			http.StatusBadRequest, goid4vci.ErrorCodeInvalidAuthDetails},
		{"authorization details without type", url.Values{"authorization_details": {`[{"vct":"EHICCredential"}]`}},
			http.StatusBadRequest, goid4vci.ErrorCodeInvalidAuthDetails},
		{"unknown client", url.Values{"client_id": {"https://unknown.example.org"}},
			http.StatusUnauthorized, goid4vci.ErrorCodeInvalidClient},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			// Given.
			wrapper, _, _ := setUp(t)

			// When.
			rec := httptest.NewRecorder()
			err := wrapper.HandleAuthnRequest(rec, authorizationRequest(testCase.params))

			// Then.
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if rec.Code != testCase.status {
				t.Errorf("status = %d, want %d", rec.Code, testCase.status)
			}

			var body goid4vci.AuthorizationError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Code != testCase.code {
				t.Errorf("error = %s, want %s", body.Code, testCase.code)
			}
		})
	}
}

func TestHandleAuthnResponse(t *testing.T) {
	// Given.
	wrapper, endpoint, cookie := setUp(t)

	// When.
	rec := httptest.NewRecorder()
	err := wrapper.HandleAuthnResponse(rec, backendRequest(cookie), frontend.InternalResponse{
		SubjectID: "user",
		AuthInfo: frontend.AuthInfo{
			AuthClassRef: "https://refeds.org/profile/mfa",
			Timestamp:    "2024-05-01T10:00:00Z",
		},
		Attributes: map[string][]string{
			"givenname": {"Erika"},
			"surname":   {"Mustermann", "Gabler"},
			"mail":      {},
		},
	})

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	wantQuery := url.Values{
		"origin": {"wallet"},
		"code":   {"code_1"},
		"state":  {"random_state"},
	}
	if diff := cmp.Diff(location.Query(), wantQuery); diff != "" {
		t.Error(diff)
	}

	session := endpoint.sessions["session_1"]
	if session.UserID != "user" || session.SubjectType != frontend.SubjectTypePublic {
		t.Errorf("unexpected session: %+v", session)
	}

	wantEvent := frontend.AuthnEvent{
		UserID:    "user",
		AuthnInfo: "https://refeds.org/profile/mfa",
		AuthnTime: 1714557600,
	}
	if diff := cmp.Diff(endpoint.event, wantEvent, cmpopts.IgnoreFields(frontend.AuthnEvent{}, "Salt")); diff != "" {
		t.Error(diff)
	}
	if endpoint.event.Salt == "" {
		t.Error("the authentication event must have a salt")
	}

	wantClaims := map[string]any{
		"given_name":  "Erika",
		"family_name": "Mustermann",
	}
	if diff := cmp.Diff(endpoint.storedClaims["session_1"], wantClaims); diff != "" {
		t.Error(diff)
	}
}

func TestHandleAuthnResponse_UnsupportedPlacement(t *testing.T) {
	// Given.
	wrapper, endpoint, cookie := setUp(t)
	endpoint.placement = frontend.ResponsePlacementFragment

	// When.
	rec := httptest.NewRecorder()
	err := wrapper.HandleAuthnResponse(rec, backendRequest(cookie), frontend.InternalResponse{SubjectID: "user"})

	// Then.
	if !errors.Is(err, frontend.ErrUnsupportedResponsePlacement) {
		t.Errorf("err = %v, want %v", err, frontend.ErrUnsupportedResponsePlacement)
	}

	if len(endpoint.storedClaims) != 0 {
		t.Error("no claims must be stored")
	}
}

func TestHandleAuthnResponse_AuthorizationRefused(t *testing.T) {
	// Given.
	wrapper, endpoint, cookie := setUp(t)
	endpoint.authorizeErr = goid4vci.AuthorizationError{
		Code:        goid4vci.ErrorCodeAccessDenied,
		Description: "consent is required",
	}

	// When.
	rec := httptest.NewRecorder()
	err := wrapper.HandleAuthnResponse(rec, backendRequest(cookie), frontend.InternalResponse{SubjectID: "user"})

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestHandleAuthnResponse_InvalidTimestamp(t *testing.T) {
	// Given.
	wrapper, endpoint, cookie := setUp(t)

	// When.
	err := wrapper.HandleAuthnResponse(httptest.NewRecorder(), backendRequest(cookie), frontend.InternalResponse{
		SubjectID: "user",
		AuthInfo:  frontend.AuthInfo{Timestamp: "yesterday"},
	})

	// Then.
	if err == nil {
		t.Fatal("an error was expected")
	}

	if len(endpoint.sessions) != 0 {
		t.Error("no session must be created")
	}
}

func TestHandleAuthnResponse_TimestampFormats(t *testing.T) {
	testCases := []struct {
		timestamp string
		want      int
	}{
		{"2024-05-01T10:00:00Z", 1714557600},
		{"2024-05-01T10:00:00+00:00", 1714557600},
		{"2024-05-01T12:00:00+02:00", 1714557600},
		{"2024-05-01T10:00:00.500Z", 1714557600},
		{"2024-05-01T10:00:00", 1714557600},
	}

	for _, testCase := range testCases {
		t.Run(testCase.timestamp, func(t *testing.T) {
			// Given.
			wrapper, endpoint, cookie := setUp(t)

			// When.
			err := wrapper.HandleAuthnResponse(httptest.NewRecorder(), backendRequest(cookie), frontend.InternalResponse{
				SubjectID: "user",
				AuthInfo:  frontend.AuthInfo{Timestamp: testCase.timestamp},
			})

			// Then.
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if endpoint.event.AuthnTime != testCase.want {
				t.Errorf("AuthnTime = %d, want %d", endpoint.event.AuthnTime, testCase.want)
			}
		})
	}
}

func TestHandleAuthnResponse_NoRequest(t *testing.T) {
	// Given.
	wrapper, _, _ := setUp(t)

	// When.
	err := wrapper.HandleAuthnResponse(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/backend", nil),
		frontend.InternalResponse{SubjectID: "user"})

	// Then.
	if !errors.Is(err, frontend.ErrRequestNotFound) {
		t.Errorf("err = %v, want %v", err, frontend.ErrRequestNotFound)
	}
}

func TestHandleBackendError(t *testing.T) {
	testCases := []struct {
		name         string
		responseType string
		state        string
		want         func(*url.URL) url.Values
	}{
		{"code in query", "code", "random_state", func(u *url.URL) url.Values { return u.Query() }},
		{"token in fragment", "token", "random_state", func(u *url.URL) url.Values {
			v, _ := url.ParseQuery(u.Fragment)
			return v
		}},
		{"no state", "code", "", func(u *url.URL) url.Values { return u.Query() }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			// Given.
			params := url.Values{"response_type": {testCase.responseType}}
			if testCase.state == "" {
				params.Set("state", "")
			}
			wrapper, _, cookie := setUpWith(t, params)

			// When.
			rec := httptest.NewRecorder()
			err := wrapper.HandleBackendError(rec, backendRequest(cookie), errors.New("the user cancelled"))

			// Then.
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if rec.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
			}

			location, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatal(err)
			}

			params = testCase.want(location)
			if params.Get("error") != string(goid4vci.ErrorCodeAccessDenied) {
				t.Errorf("error = %s, want %s", params.Get("error"), goid4vci.ErrorCodeAccessDenied)
			}
			if params.Get("error_description") != "the user cancelled" {
				t.Errorf("error_description = %s", params.Get("error_description"))
			}
			if _, ok := params["state"]; ok != (testCase.state != "") {
				t.Errorf("state = %v, want %q", params["state"], testCase.state)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	endpoint := newEndpoint()
	store := frontend.NewMemoryStateStore("", 0, false)
	callback := func(http.ResponseWriter, *http.Request, frontend.InternalRequest) error { return nil }

	if _, err := frontend.New("", endpoint, converter{}, store, callback); err == nil {
		t.Error("an empty name must be rejected")
	}

	if _, err := frontend.New("openid4vci", endpoint, converter{}, nil, callback); err == nil {
		t.Error("a missing state store must be rejected")
	}

	if _, err := frontend.New("openid4vci", endpoint, converter{}, store, callback, frontend.WithSaltSize(0)); err == nil {
		t.Error("an invalid salt size must be rejected")
	}
}

func setUp(t *testing.T) (*frontend.AuthorizationEndpointWrapper, *fakeEndpoint, *http.Cookie) {
	t.Helper()
	return setUpWith(t, nil)
}

// setUpWith accepts an authorization request built with params and returns
// the state cookie the user agent received for it.
func setUpWith(t *testing.T, params url.Values) (*frontend.AuthorizationEndpointWrapper, *fakeEndpoint, *http.Cookie) {
	t.Helper()

	endpoint := newEndpoint()
	callback := func(http.ResponseWriter, *http.Request, frontend.InternalRequest) error { return nil }
	wrapper := newWrapper(t, endpoint, callback)

	rec := httptest.NewRecorder()
	if err := wrapper.HandleAuthnRequest(rec, authorizationRequest(params)); err != nil {
		t.Fatal(err)
	}

	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == frontend.DefaultStateCookie {
			return wrapper, endpoint, cookie
		}
	}
	t.Fatal("the state cookie was not set")
	return nil, nil, nil
}

func newWrapper(t *testing.T, endpoint *fakeEndpoint, callback frontend.AuthnRequestCallback) *frontend.AuthorizationEndpointWrapper {
	t.Helper()

	wrapper, err := frontend.New("openid4vci", endpoint, converter{}, frontend.NewMemoryStateStore("", 0, false), callback)
	if err != nil {
		t.Fatal(err)
	}
	return wrapper
}

// authorizationRequest builds a valid request which params override.
func authorizationRequest(params url.Values) *http.Request {
	query := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"state":         {"random_state"},
		"scope":         {"openid"},
	}
	for k, v := range params {
		query[k] = v
	}
	for k, v := range query {
		if len(v) == 1 && v[0] == "" {
			delete(query, k)
		}
	}
	return httptest.NewRequest(http.MethodGet, "/authorization?"+query.Encode(), nil)
}

func backendRequest(cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/backend/response", nil)
	req.AddCookie(cookie)
	return req
}

type fakeEndpoint struct {
	client       frontend.ClientInfo
	claims       []string
	placement    string
	authorizeErr error

	parsed       []frontend.AuthorizationRequest
	sessions     map[string]frontend.SessionArgs
	event        frontend.AuthnEvent
	storedClaims map[string]map[string]any
}

func newEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		client:       frontend.ClientInfo{ClientName: "Relying Party"},
		claims:       []string{"given_name", "family_name"},
		placement:    frontend.ResponsePlacementURL,
		sessions:     map[string]frontend.SessionArgs{},
		storedClaims: map[string]map[string]any{},
	}
}

func (e *fakeEndpoint) ParseRequest(_ context.Context, params url.Values) (frontend.AuthorizationRequest, error) {
	if params.Get("client_id") != clientID {
		return frontend.AuthorizationRequest{}, goid4vci.AuthorizationError{
			Code:        goid4vci.ErrorCodeInvalidClient,
			Description: "unknown client",
		}
	}

	var details []goid4vci.AuthorizationDetail
	if raw := params.Get("authorization_details"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &details); err != nil {
			return frontend.AuthorizationRequest{}, err
		}
	}

	req := frontend.AuthorizationRequest{
		ClientID:             params.Get("client_id"),
		RedirectURI:          params.Get("redirect_uri"),
		ResponseType:         params.Get("response_type"),
		State:                params.Get("state"),
		AuthorizationDetails: details,
		Params:               params,
	}
	e.parsed = append(e.parsed, req)
	return req, nil
}

func (e *fakeEndpoint) ClientInfo(_ context.Context, _ string) (frontend.ClientInfo, error) {
	return e.client, nil
}

func (e *fakeEndpoint) ClaimsSupported(_ context.Context) []string {
	return e.claims
}

func (e *fakeEndpoint) CreateSession(_ context.Context, args frontend.SessionArgs) (string, error) {
	id := "session_1"
	e.sessions[id] = args
	return id, nil
}

func (e *fakeEndpoint) AuthorizeSession(
	_ context.Context,
	sessionID string,
	req frontend.AuthorizationRequest,
	event frontend.AuthnEvent,
) (frontend.AuthorizationResult, error) {
	e.event = event
	if e.authorizeErr != nil {
		return frontend.AuthorizationResult{}, e.authorizeErr
	}

	params := url.Values{}
	params.Set("code", "code_"+sessionID[len("session_"):])
	params.Set("state", req.State)
	return frontend.AuthorizationResult{
		RedirectURI: req.RedirectURI,
		Params:      params,
	}, nil
}

func (e *fakeEndpoint) ResponsePlacement() string {
	return e.placement
}

func (e *fakeEndpoint) StoreClaims(_ context.Context, sessionID string, claims map[string]any) error {
	e.storedClaims[sessionID] = claims
	return nil
}

// converter maps OpenID claims to host attribute names.
type converter struct{}

var openIDToInternal = map[string]string{
	"given_name":  "givenname",
	"family_name": "surname",
	"email":       "mail",
}

func (converter) ToInternalFilter(_ string, claims []string) []string {
	var attrs []string
	for _, claim := range claims {
		if attr, ok := openIDToInternal[claim]; ok {
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

func (converter) FromInternal(_ string, attributes map[string][]string) map[string][]string {
	claims := map[string][]string{}
	for claim, attr := range openIDToInternal {
		if values, ok := attributes[attr]; ok {
			claims[claim] = values
		}
	}
	return claims
}
