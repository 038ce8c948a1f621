package goid4vci

const (
	EntityTypeFederationEntity     = "federation_entity"
	EntityTypeCredentialIssuer     = "openid_credential_issuer"
	EntityTypeAuthorizationServer  = "oauth_authorization_server"
	EntityTypeWalletProvider       = "wallet_provider"
	EntityTypeWalletRelyingParty   = "wallet_relying_party"
	EntityTypeOpenIDRelyingParty   = "openid_relying_party"
	EntityTypeOpenIDProvider       = "openid_provider"
	EntityTypeOAuthClient          = "oauth_client"
	EntityTypeOAuthResourceService = "oauth_resource"
)

const (
	ContentTypeEntityStatementJWT = "application/entity-statement+jwt"
	ContentTypeJSON               = "application/json"
	ContentTypeForm               = "application/x-www-form-urlencoded"
)

const (
	JWTTypeEntityStatement             = "entity-statement+jwt"
	JWTTypeTrustMark                   = "trust-mark+jwt"
	JWTTypeWalletAttestationRequest    = "var+jwt"
	JWTTypeWalletInstanceAttestation   = "wallet-attestation+jwt"
	JWTTypeClientAttestationPoP        = "oauth-client-attestation-pop+jwt"
	JWTTypeDPoP                        = "dpop+jwt"
	JWTTypeKeyProof                    = "openid4vci-proof+jwt"
	JWTTypeSDJWT                       = "vc+sd-jwt"
	JWTTypeKeyBinding                  = "kb+jwt"
	WellKnownOpenIDFederationPath      = "/.well-known/openid-federation"
	AuthorizationCallbackPathPrefix    = "/authz_cb/"
	DefaultTrustMarkIDTemplate         = "http://dc4eu.example.com/%s/se"
	DefaultClientAttestationLifetime   = 300
	DefaultWalletAttestationLifetime   = 300
	DefaultFlowLifetimeSecs            = 3600
	DefaultTrustChainMaxDepth          = 5
	DefaultPKCEVerifierLength          = 64
	DefaultHTTPClientTimeoutSecs       = 14
	DefaultStateByteLength             = 32
	NotApplicableChallenge             = "__not__applicable__"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	ClientAssertionTypeJWTClientAttestation = "urn:ietf:params:oauth:client-assertion-type:jwt-client-attestation"

	ResponseTypeCode = "code"

	AuthorizationDetailTypeOpenIDCredential = "openid_credential"
	CredentialFormatSDJWT                   = "vc+sd-jwt"

	CodeChallengeMethodS256 = "S256"

	ProofTypeJWT = "jwt"

	TokenTypeDPoP   = "DPoP"
	TokenTypeBearer = "Bearer"

	HeaderDPoP      = "DPoP"
	HeaderDPoPNonce = "DPoP-Nonce"
)

type ErrorCode string

const (
	ErrorCodeAccessDenied         ErrorCode = "access_denied"
	ErrorCodeInvalidClient        ErrorCode = "invalid_client"
	ErrorCodeInvalidGrant         ErrorCode = "invalid_grant"
	ErrorCodeInvalidRequest       ErrorCode = "invalid_request"
	ErrorCodeInvalidToken         ErrorCode = "invalid_token"
	ErrorCodeInvalidProof         ErrorCode = "invalid_proof"
	ErrorCodeInvalidDPoPProof     ErrorCode = "invalid_dpop_proof"
	ErrorCodeUseDPoPNonce         ErrorCode = "use_dpop_nonce"
	ErrorCodeInvalidAuthDetails   ErrorCode = "invalid_authorization_details"
	ErrorCodeUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	ErrorCodeServerError          ErrorCode = "server_error"
)
