package dpop

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// Transport adds a DPoP proof to every request it sends. When the server
// demands a nonce, the request is sent once more with a proof carrying it.
type Transport struct {
	Base http.RoundTripper
	Key  jose.JSONWebKey
	// AccessToken is bound to the proofs when set.
	AccessToken string

	mu    sync.Mutex
	nonce string
}

func NewTransport(base http.RoundTripper, key jose.JSONWebKey) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Key: key}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req)
	if err != nil {
		return nil, err
	}

	if !t.updateNonce(resp) || !isNonceChallenge(resp) {
		return resp, nil
	}

	// A body that cannot be read again cannot be resent.
	if req.GetBody == nil && req.Body != nil && req.Body != http.NoBody {
		return resp, nil
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	_ = resp.Body.Close()
	return t.send(retry)
}

func (t *Transport) send(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	nonce := t.nonce
	t.mu.Unlock()

	proof, err := NewJWT(t.Key, ProofOptions{
		HTTPMethod:  req.Method,
		HTTPURI:     req.URL.String(),
		AccessToken: t.AccessToken,
		Nonce:       nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create the dpop proof: %w", err)
	}

	// RoundTrippers must not modify the original request.
	req = req.Clone(req.Context())
	req.Header.Set(goid4vci.HeaderDPoP, proof)
	return t.Base.RoundTrip(req)
}

// updateNonce keeps the nonce sent by the server and reports whether it
// changed.
func (t *Transport) updateNonce(resp *http.Response) bool {
	nonce := resp.Header.Get(goid4vci.HeaderDPoPNonce)
	if nonce == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := nonce != t.nonce
	t.nonce = nonce
	return changed
}

func isNonceChallenge(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized &&
		strings.Contains(resp.Header.Get("WWW-Authenticate"), string(goid4vci.ErrorCodeUseDPoPNonce)) {
		return true
	}

	if resp.StatusCode != http.StatusBadRequest {
		return false
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(strings.NewReader(string(body)))
	if err != nil {
		return false
	}

	var errResp struct {
		Error goid4vci.ErrorCode `json:"error"`
	}
	return json.Unmarshal(body, &errResp) == nil && errResp.Error == goid4vci.ErrorCodeUseDPoPNonce
}
