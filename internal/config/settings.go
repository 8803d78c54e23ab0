package config

import "time"

// DatabaseSettings are the effective settings for one database after the
// database's own overrides have been layered over the global values.
type DatabaseSettings struct {
	CubeAPIURL      string
	CubeAPISecret   string
	MaxLimit        int
	DenyMembers     []string
	DefaultSegments []string
	ReturnSQL       bool
	MetaTimeout     time.Duration
	QueryTimeout    time.Duration
}

// Overrides are the optional per-database values. Zero values mean
// "inherit the global setting".
type Overrides struct {
	CubeAPIURL      string
	JWTSecret       string
	MaxLimit        *int
	DenyMembers     []string
	DefaultSegments []string
	ReturnSQL       bool
}

// With layers o over s.
// Deny lists are unioned: the global list always applies.
// SQL disclosure is enabled when either level enables it.
func (s DatabaseSettings) With(o Overrides) DatabaseSettings {
	out := s
	if o.CubeAPIURL != "" {
		out.CubeAPIURL = o.CubeAPIURL
	}
	if o.JWTSecret != "" {
		out.CubeAPISecret = o.JWTSecret
	}
	if o.MaxLimit != nil && *o.MaxLimit > 0 {
		out.MaxLimit = *o.MaxLimit
	}
	if len(o.DenyMembers) > 0 {
		out.DenyMembers = union(s.DenyMembers, o.DenyMembers)
	}
	if len(o.DefaultSegments) > 0 {
		out.DefaultSegments = o.DefaultSegments
	}
	out.ReturnSQL = s.ReturnSQL || o.ReturnSQL
	if out.MaxLimit <= 0 {
		out.MaxLimit = DefaultMaxLimit
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
