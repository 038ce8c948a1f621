package frontend

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const (
	DefaultStateCookie = "frontend_state"
	defaultStateTTL    = 15 * time.Minute
)

// MemoryStateStore keeps state in memory behind a cookie identifying the
// user agent.
type MemoryStateStore struct {
	cookie string
	secure bool
	cache  *cache.Cache
}

// NewMemoryStateStore creates a store whose entries expire after ttl. A
// non positive ttl means fifteen minutes.
func NewMemoryStateStore(cookie string, ttl time.Duration, secure bool) *MemoryStateStore {
	if cookie == "" {
		cookie = DefaultStateCookie
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &MemoryStateStore{
		cookie: cookie,
		secure: secure,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (s *MemoryStateStore) Save(w http.ResponseWriter, r *http.Request, key string, params url.Values) error {
	id := s.id(r)
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     s.cookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	s.cache.SetDefault(s.entry(id, key), cloneValues(params))
	return nil
}

func (s *MemoryStateStore) Load(r *http.Request, key string) (url.Values, error) {
	id := s.id(r)
	if id == "" {
		return nil, ErrRequestNotFound
	}

	v, ok := s.cache.Get(s.entry(id, key))
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneValues(v.(url.Values)), nil
}

func (s *MemoryStateStore) id(r *http.Request) string {
	cookie, err := r.Cookie(s.cookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *MemoryStateStore) entry(id, key string) string {
	return fmt.Sprintf("%s:%s", id, key)
}
