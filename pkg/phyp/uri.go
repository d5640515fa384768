package phyp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mensylisir/phypctl/pkg/hmc"
)

// Scheme is the URI scheme of a console connection.
const Scheme = "phyp"

// URI identifies a console and, for an HMC, the managed system:
// phyp://[user@]host[:port]/managed_system
type URI struct {
	User          string
	Host          string
	Port          int
	ManagedSystem string
}

// ParseURI parses raw. Only the first path component names the managed
// system; the whole path must be free of shell special characters.
func ParseURI(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid connection uri %q", raw)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("unsupported uri scheme %q, expected %q", u.Scheme, Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing hostname in connection uri %q", raw)
	}
	out := &URI{Host: u.Hostname(), Port: 0}
	if u.User != nil {
		out.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q in connection uri", p)
		}
		out.Port = port
	}

	path := strings.TrimPrefix(u.EscapedPath(), "/")
	if hmc.ContainsSpecialCharacters(path) || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return nil, fmt.Errorf("error parsing 'path' of uri %q: contains invalid characters", raw)
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	out.ManagedSystem = path
	return out, nil
}

func (u *URI) String() string {
	host := u.Host
	if u.Port != 0 {
		host = net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	}
	out := url.URL{Scheme: Scheme, Host: host, Path: "/" + u.ManagedSystem}
	if u.User != "" {
		out.User = url.User(u.User)
	}
	return out.String()
}
