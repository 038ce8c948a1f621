package wallet

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// session is what the HTTP handler remembers about a user agent between
// the steps of a flow.
type session struct {
	WalletProviderID string
	KeyTag           string
	CredentialType   string
	IssuerID         string
}

type sessions struct {
	cache *cache.Cache
}

func newSessions(ttl time.Duration) *sessions {
	return &sessions{
		cache: cache.New(ttl, 2*ttl),
	}
}

func (s *sessions) get(id string) session {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(session)
	}
	return session{}
}

func (s *sessions) set(id string, sess session) {
	s.cache.SetDefault(id, sess)
}

func (s *sessions) delete(id string) {
	s.cache.Delete(id)
}

// sessionID returns the session of the request and sets a new session
// cookie when there is none.
func (w *Wallet) sessionID(rw http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(w.sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := uuid.NewString()
	http.SetCookie(rw, &http.Cookie{
		Name:     w.sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(w.config.EntityID, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
