// Package strutil contains functions to help handling strings.
package strutil

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"net/url"
	"strings"
)

const charset string = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func Random(length int) string {
	result := strings.Builder{}
	charsetLength := big.NewInt(int64(len(charset)))

	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, charsetLength)
		if err != nil {
			panic(err)
		}
		result.WriteByte(charset[n.Int64()])
	}

	return result.String()
}

// RandomBase64URL returns n random bytes encoded as unpadded base64 URL.
func RandomBase64URL(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// URLWithQueryParams appends params to the query of u keeping the
// parameters it already has.
func URLWithQueryParams(u string, params url.Values) (string, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return "", err
	}

	query := parsedURL.Query()
	for p, values := range params {
		for _, v := range values {
			query.Add(p, v)
		}
	}
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

// URLWithFragmentParams is like URLWithQueryParams for the fragment.
func URLWithFragmentParams(u string, params url.Values) (string, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return "", err
	}

	fragment, err := url.ParseQuery(parsedURL.Fragment)
	if err != nil {
		return "", err
	}
	for p, values := range params {
		for _, v := range values {
			fragment.Add(p, v)
		}
	}
	parsedURL.Fragment = fragment.Encode()

	return parsedURL.String(), nil
}

// TrimTrailingSlash removes a trailing slash from an entity identifier so
// well-known paths can be appended to it.
func TrimTrailingSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}
