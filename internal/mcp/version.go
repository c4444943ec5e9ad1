package mcp

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a semantic major.minor.patch protocol version. Two
// versions are compatible iff their major components are equal.
type Version struct {
	Major int
	Minor int
	Patch int
}

// SupportedVersions is the version set this client advertises during
// negotiation, newest first.
var SupportedVersions = []Version{
	{Major: 1, Minor: 1, Patch: 0},
	{Major: 1, Minor: 0, Patch: 0},
}

// ParseVersion parses "major.minor.patch" into a Version.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String renders the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether v and o share a major version.
func (v Version) Compatible(o Version) bool { return v.Major == o.Major }

// Less orders versions by major, then minor, then patch.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool { return v == Version{} }

// NegotiateVersion selects the version to use given the client's and
// server's supported sets: for every major both sides support, the
// newest version both can speak is a candidate (the lower of the two
// sides' newest within that major); the highest candidate wins. An
// empty overlap yields a Protocol incompatibility error.
func NegotiateVersion(client, server []Version) (Version, error) {
	if len(client) == 0 || len(server) == 0 {
		return Version{}, errf(KindProtocol, "version negotiation: empty version set (client %d, server %d)", len(client), len(server))
	}

	newestByMajor := func(set []Version) map[int]Version {
		m := make(map[int]Version)
		for _, v := range set {
			if cur, ok := m[v.Major]; !ok || cur.Less(v) {
				m[v.Major] = v
			}
		}
		return m
	}

	clientMax := newestByMajor(client)
	serverMax := newestByMajor(server)

	var best Version
	found := false
	for major, cv := range clientMax {
		sv, ok := serverMax[major]
		if !ok {
			continue
		}
		// Both sides speak this major; the shared ceiling is the
		// lower of the two newest versions.
		cand := cv
		if sv.Less(cv) {
			cand = sv
		}
		if !found || best.Less(cand) {
			best = cand
			found = true
		}
	}

	if !found {
		return Version{}, errf(KindProtocol,
			"no compatible protocol version: client supports %s, server supports %s",
			versionSetString(client), versionSetString(server))
	}
	return best, nil
}

func versionSetString(set []Version) string {
	parts := make([]string, len(set))
	for i, v := range set {
		parts[i] = v.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
