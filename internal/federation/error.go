package federation

import "errors"

var (
	// ErrCircularDependency is returned when a circular dependency is detected
	// while building a trust chain.
	ErrCircularDependency = errors.New("circular dependency detected in trust chain")
	ErrMaxDepthReached    = errors.New("trust chain maximum depth reached")
	ErrNoAuthorityHints   = errors.New("the entity has no authority hints")
)
