package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version represents a semantic version
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Build      string
}

// Client implementations commonly drop the patch component ("22.0"), so
// it is optional here.
var semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)(?:\.(\d+))?(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

// Parse parses a semantic version string
func Parse(version string) (*Version, error) {
	matches := semverRegex.FindStringSubmatch(version)
	if matches == nil {
		return nil, fmt.Errorf("invalid semantic version: %s", version)
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	patch, _ := strconv.Atoi(matches[3])

	return &Version{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: matches[4],
		Build:      matches[5],
	}, nil
}

// String returns the string representation of the version
func (v *Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare compares two versions
// Returns -1 if v < other, 0 if v == other, 1 if v > other
func (v *Version) Compare(other *Version) int {
	for _, pair := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}

	// Handle prerelease comparison
	if v.Prerelease == "" && other.Prerelease != "" {
		return 1 // No prerelease > prerelease
	}
	if v.Prerelease != "" && other.Prerelease == "" {
		return -1 // Prerelease < no prerelease
	}
	return strings.Compare(v.Prerelease, other.Prerelease)
}

// LessThan returns true if v < other
func (v *Version) LessThan(other *Version) bool {
	return v.Compare(other) < 0
}

// Component is one name:version[(comments)] element of a BIP-14 user agent.
type Component struct {
	Name     string
	Version  *Version
	Comments []string
}

// String renders the component the way it appears on the wire.
func (c Component) String() string {
	s := c.Name
	if c.Version != nil {
		s += ":" + c.Version.String()
	}
	if len(c.Comments) > 0 {
		s += "(" + strings.Join(c.Comments, "; ") + ")"
	}
	return s
}

// UserAgent is a parsed BIP-14 user agent such as "/Satoshi:25.0.0/".
type UserAgent []Component

// Client returns the outermost component, which by convention names the
// node software.
func (ua UserAgent) Client() Component {
	if len(ua) == 0 {
		return Component{}
	}
	return ua[len(ua)-1]
}

// ParseUserAgent parses "/name:version(comments)/name:version/".
func ParseUserAgent(s string) (UserAgent, error) {
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] != '/' {
		return nil, fmt.Errorf("user agent %q is not slash delimited", s)
	}
	var ua UserAgent
	for _, part := range strings.Split(s[1:len(s)-1], "/") {
		var c Component
		if open := strings.IndexByte(part, '('); open >= 0 {
			if !strings.HasSuffix(part, ")") {
				return nil, fmt.Errorf("user agent %q: unterminated comment", s)
			}
			for _, comment := range strings.Split(part[open+1:len(part)-1], ";") {
				c.Comments = append(c.Comments, strings.TrimSpace(comment))
			}
			part = part[:open]
		}
		name, version, hasVersion := strings.Cut(part, ":")
		if name == "" {
			return nil, fmt.Errorf("user agent %q: empty component name", s)
		}
		c.Name = name
		if hasVersion {
			v, err := Parse(version)
			if err != nil {
				return nil, fmt.Errorf("user agent %q: %w", s, err)
			}
			c.Version = v
		}
		ua = append(ua, c)
	}
	return ua, nil
}
