package authorize

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// HandleCallback processes the authorization response the issuer identified
// by issuerHash sent to the redirect URI. On success the code and nonce are
// stored in the flow that holds the returned state, which is returned.
// Nothing is stored when the callback is rejected.
func HandleCallback(ctx vci.Context, issuerHash string, params url.Values) (flow *goid4vci.FlowState, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepCallback, start, err) }()

	bound, err := ctx.FlowStates.FlowStateByIssuerHash(ctx, issuerHash)
	if err != nil {
		if errors.Is(err, goid4vci.ErrFlowNotFound) {
			return nil, fmt.Errorf("%w: no live flow sent an authorization request to the issuer %s",
				goid4vci.ErrUnknownIssuer, issuerHash)
		}
		return nil, err
	}
	issuerID := bound.IssuerID

	if code := params.Get("error"); code != "" {
		return nil, goid4vci.AuthorizationError{
			Code:        goid4vci.ErrorCode(code),
			Description: params.Get("error_description"),
			State:       params.Get("state"),
			URI:         params.Get("error_uri"),
		}
	}

	state := params.Get("state")
	current, err := ctx.FlowStates.FlowStateByState(ctx, state)
	if err != nil {
		if errors.Is(err, goid4vci.ErrFlowNotFound) {
			return nil, goid4vci.ErrStateMismatch
		}
		return nil, err
	}

	if current.IssuerHash != issuerHash {
		return nil, fmt.Errorf("%w: the state was issued for another issuer", goid4vci.ErrStateMismatch)
	}

	if iss := params.Get("iss"); iss != "" && iss != issuerID {
		return nil, fmt.Errorf("%w: the response was issued by %s instead of %s", goid4vci.ErrUnknownIssuer, iss, issuerID)
	}

	code := params.Get("code")
	if code == "" {
		return nil, errors.New("the authorization response has no code")
	}

	if err := ctx.FlowStates.Update(ctx, current.EphemeralKeyTag, func(f *goid4vci.FlowState) error {
		// The flow may have started a new authorization in the meantime.
		if f.State != state {
			return goid4vci.ErrStateMismatch
		}
		f.Code = code
		f.Nonce = params.Get("nonce")
		f.CodeRedeemed = false
		f.AccessToken = ""
		f.TokenType = ""
		f.CNonce = ""
		flow = f.Clone()
		return nil
	}); err != nil {
		return nil, err
	}

	ctx.Logger.Debug("authorization code received",
		slog.String("issuer", issuerID), slog.String("key_tag", flow.EphemeralKeyTag))
	return flow, nil
}
