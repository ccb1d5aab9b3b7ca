package api

import (
	"net/http"
	"strings"

	"github.com/mikroscope/mikroscope/internal/auth"
)

// apiAuthorized checks the read/manage credentials. With nothing configured
// every request passes; otherwise a matching bearer token or valid basic
// credentials are required.
func (r *Router) apiAuthorized(req *http.Request) bool {
	tokenConfigured := r.config.APIToken != ""
	basicConfigured := r.config.BasicAuthConfigured()
	if !tokenConfigured && !basicConfigured {
		return true
	}

	if tokenConfigured {
		if token, ok := bearerToken(req); ok && auth.CheckToken(token, r.config.APIToken) {
			return true
		}
	}
	if basicConfigured {
		if user, pass, ok := req.BasicAuth(); ok &&
			user == r.config.AuthUsername && auth.CheckPassword(pass, r.config.AuthPassword) {
			return true
		}
	}
	return false
}

// resolveProducer maps request credentials to a producer id. Basic
// credentials win over a bearer token; an unmapped token is unauthorized.
func (r *Router) resolveProducer(req *http.Request) (string, bool) {
	if r.config.BasicAuthConfigured() {
		if user, pass, ok := req.BasicAuth(); ok &&
			user == r.config.AuthUsername && auth.CheckPassword(pass, r.config.AuthPassword) {
			return user, true
		}
	}
	if token, ok := bearerToken(req); ok {
		if producerID, mapped := r.producers[token]; mapped {
			return producerID, true
		}
	}
	return "", false
}

func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
