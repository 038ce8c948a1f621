package frontend

// multiValuedClaims keep every value the backend released.
var multiValuedClaims = map[string]bool{
	"address": true,
}

// combineClaims turns host attribute values into claim values. Claims
// without values are dropped and single valued claims keep their first
// value.
func combineClaims(attributes map[string][]string) map[string]any {
	claims := make(map[string]any, len(attributes))
	for name, values := range attributes {
		if len(values) == 0 {
			continue
		}

		if multiValuedClaims[name] {
			claims[name] = values
			continue
		}
		claims[name] = values[0]
	}
	return claims
}
