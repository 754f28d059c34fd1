package xfer

import (
	"net/url"
	"strings"

	"go.cryptosync.io/xfer/modules"
)

// rewriteAltPort inserts (or removes) modules.AltPort after the host of
// an http:// temporary URL. https:// URLs are left untouched -- the alternate port is
// only meaningful for the plain-HTTP fallback.
func rewriteAltPort(raw string, useAlt bool) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return raw
	}

	host := u.Hostname()
	hasAlt := strings.HasSuffix(u.Host, modules.AltPort)

	switch {
	case useAlt && !hasAlt:
		u.Host = host + modules.AltPort
	case !useAlt && hasAlt:
		u.Host = host
	}
	return u.String()
}
