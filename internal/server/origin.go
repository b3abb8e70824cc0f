package server

import (
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the normalized form of Config.AllowedOrigins. Entries that
// are not absolute scheme://host origins end up in rejected.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	ordered  []string
	rejected []string
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			p.allowAll = true
			continue
		}

		key, ok := canonicalOrigin(trimmed)
		if !ok {
			p.rejected = append(p.rejected, origin)
			continue
		}
		if _, dup := p.allowed[key]; dup {
			continue
		}
		p.allowed[key] = struct{}{}
		p.ordered = append(p.ordered, key)
	}
	return p
}

// canonicalOrigin lowercases scheme and host and drops any path.
func canonicalOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	key, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok = p.allowed[key]
	return ok
}

func currentOrigins() originPolicy {
	configMu.RLock()
	defer configMu.RUnlock()
	return activeOrigins
}

func isOriginAllowed(r *http.Request) bool {
	return currentOrigins().allows(r.Header.Get("Origin"))
}

// checkOrigin is the upgrader hook. ServeWS rejects bad origins with a logged
// reason first, so this only guards direct Upgrade callers.
func checkOrigin(r *http.Request) bool {
	return isOriginAllowed(r)
}
