package auth

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/opendx28/slicerhub/pkg/log"
)

// Credentials verifies a user's password. Implementations must never log
// or persist the password.
type Credentials interface {
	Verify(ctx context.Context, user, password string) (bool, error)
}

// LDAPCredentials binds against a directory service as uid=<user>,<base>.
// When the directory cannot be reached at all, a development fallback
// accepts usernames matching a configured pattern with a fixed password,
// so a hub can run without its directory sidecar.
type LDAPCredentials struct {
	address          string
	baseDN           string
	fallbackPattern  *regexp.Regexp
	fallbackPassword string
	logger           zerolog.Logger

	// dial is swappable for tests
	dial func(addr string) (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	Close() error
}

// NewLDAPCredentials builds the adapter. fallbackPattern may be empty to
// disable the development fallback.
func NewLDAPCredentials(address, baseDN, fallbackPattern, fallbackPassword string) (*LDAPCredentials, error) {
	var pat *regexp.Regexp
	if fallbackPattern != "" {
		var err error
		pat, err = regexp.Compile(fallbackPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback user pattern: %w", err)
		}
	}

	return &LDAPCredentials{
		address:          address,
		baseDN:           baseDN,
		fallbackPattern:  pat,
		fallbackPassword: fallbackPassword,
		logger:           log.WithComponent("auth"),
		dial: func(addr string) (ldapConn, error) {
			return ldap.DialURL("ldap://" + addr)
		},
	}, nil
}

// Verify binds as the user. A failed bind with a reachable directory is a
// definitive rejection; an unreachable directory falls back to the
// development credentials when configured.
func (l *LDAPCredentials) Verify(ctx context.Context, user, password string) (bool, error) {
	if user == "" || password == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	conn, err := l.dial(l.address)
	if err != nil {
		l.logger.Warn().Str("user", user).Msg("Directory unreachable, trying development fallback")
		return l.fallback(user, password), nil
	}
	defer conn.Close()

	dn := fmt.Sprintf("uid=%s,%s", ldap.EscapeDN(user), l.baseDN)
	if err := conn.Bind(dn, password); err != nil {
		l.logger.Debug().Str("user", user).Msg("Directory bind rejected")
		return false, nil
	}
	return true, nil
}

func (l *LDAPCredentials) fallback(user, password string) bool {
	if l.fallbackPattern == nil {
		return false
	}
	return l.fallbackPattern.MatchString(user) && password == l.fallbackPassword
}
