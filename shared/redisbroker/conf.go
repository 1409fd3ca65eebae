package redisbroker

import (
	"fmt"
	"strconv"
	"strings"
)

// SaveRule is one snapshot trigger: persist when at least Changes keys
// changed within Seconds.
type SaveRule struct {
	Seconds int
	Changes int
}

// ParseSaveRule parses a rule in the "seconds changes" form, e.g. "60 10000".
func ParseSaveRule(s string) (SaveRule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return SaveRule{}, fmt.Errorf("invalid save rule %q: want \"seconds changes\"", s)
	}

	seconds, err := strconv.Atoi(fields[0])
	if err != nil || seconds <= 0 {
		return SaveRule{}, fmt.Errorf("invalid save rule %q: bad seconds", s)
	}

	changes, err := strconv.Atoi(fields[1])
	if err != nil || changes <= 0 {
		return SaveRule{}, fmt.Errorf("invalid save rule %q: bad changes", s)
	}

	return SaveRule{Seconds: seconds, Changes: changes}, nil
}

// ParseSaveRules parses a list of "seconds changes" rules.
func ParseSaveRules(rules []string) ([]SaveRule, error) {
	parsed := make([]SaveRule, 0, len(rules))
	for _, r := range rules {
		rule, err := ParseSaveRule(r)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, rule)
	}
	return parsed, nil
}

// ServerSettings describes a broker server instance managed by the
// supervisor. Render turns it into a redis.conf fragment.
type ServerSettings struct {
	Bind           string
	Port           int
	Password       string
	SaveRules      []SaveRule
	AppendOnly     bool
	FsyncPolicy    string // everysec, always, no
	Dir            string
	MaxMemory      string
	EvictionPolicy string
}

// Render produces the configuration file contents for the broker process.
func (s *ServerSettings) Render() string {
	var b strings.Builder

	if s.Bind != "" {
		fmt.Fprintf(&b, "bind %s\n", s.Bind)
	}
	port := s.Port
	if port == 0 {
		port = 6379
	}
	fmt.Fprintf(&b, "port %d\n", port)

	if s.Password != "" {
		fmt.Fprintf(&b, "requirepass %s\n", s.Password)
	}

	if len(s.SaveRules) == 0 {
		// Explicitly disable snapshots rather than inheriting server defaults.
		b.WriteString("save \"\"\n")
	}
	for _, rule := range s.SaveRules {
		fmt.Fprintf(&b, "save %d %d\n", rule.Seconds, rule.Changes)
	}

	if s.AppendOnly {
		b.WriteString("appendonly yes\n")
		fsync := s.FsyncPolicy
		if fsync == "" {
			fsync = "everysec"
		}
		fmt.Fprintf(&b, "appendfsync %s\n", fsync)
	} else {
		b.WriteString("appendonly no\n")
	}

	if s.Dir != "" {
		fmt.Fprintf(&b, "dir %s\n", s.Dir)
	}

	if s.MaxMemory != "" {
		fmt.Fprintf(&b, "maxmemory %s\n", s.MaxMemory)
		policy := s.EvictionPolicy
		if policy == "" {
			policy = "noeviction"
		}
		fmt.Fprintf(&b, "maxmemory-policy %s\n", policy)
	}

	return b.String()
}
