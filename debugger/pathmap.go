// Copyright © 2024 The robotdev authors

package debugger

import (
	"regexp"
	"strings"
)

// windowsPath matches drive-letter and UNC paths. Such paths compare
// case-insensitively.
var windowsPath = regexp.MustCompile(`^[a-zA-Z]:[\\/]|^\\\\`)

// IsWindowsPath reports whether p is a Windows-style absolute path.
func IsWindowsPath(p string) bool {
	return windowsPath.MatchString(p)
}

// PathKey returns the key under which p is compared with other paths.
func PathKey(p string) string {
	if IsWindowsPath(p) {
		return strings.ToLower(strings.ReplaceAll(p, "/", `\`))
	}
	return p
}

// PathMapping maps a directory on the client's machine to the directory
// the framework sees.
type PathMapping struct {
	LocalRoot  string `json:"localRoot" mapstructure:"localRoot"`
	RemoteRoot string `json:"remoteRoot" mapstructure:"remoteRoot"`
}

// PathMapper translates source paths between the client and the framework
// using an ordered list of mappings. The first matching mapping wins.
type PathMapper struct {
	mappings []PathMapping
}

// NewPathMapper returns a mapper for the given mappings.
func NewPathMapper(mappings []PathMapping) *PathMapper {
	return &PathMapper{mappings: mappings}
}

// ToClient maps a framework path to the client's path.
func (m *PathMapper) ToClient(p string) string {
	if m == nil {
		return p
	}
	for _, pm := range m.mappings {
		if rest, ok := cutRoot(p, pm.RemoteRoot); ok {
			return joinRoot(pm.LocalRoot, rest)
		}
	}
	return p
}

// FromClient maps a client path to the framework's path.
func (m *PathMapper) FromClient(p string) string {
	if m == nil {
		return p
	}
	for _, pm := range m.mappings {
		if rest, ok := cutRoot(p, pm.LocalRoot); ok {
			return joinRoot(pm.RemoteRoot, rest)
		}
	}
	return p
}

// cutRoot returns the part of p below root, including its leading
// separator.
func cutRoot(p, root string) (string, bool) {
	if root == "" {
		return "", false
	}
	root = strings.TrimRight(root, `/\`)
	if len(p) < len(root) {
		return "", false
	}
	head, rest := p[:len(root)], p[len(root):]
	if IsWindowsPath(root) || IsWindowsPath(p) {
		if PathKey(head) != PathKey(root) {
			return "", false
		}
	} else if head != root {
		return "", false
	}
	if rest != "" && rest[0] != '/' && rest[0] != '\\' {
		return "", false
	}
	return rest, true
}

func joinRoot(root, rest string) string {
	root = strings.TrimRight(root, `/\`)
	if rest == "" {
		return root
	}
	sep := "/"
	if IsWindowsPath(root) && !strings.Contains(root, "/") {
		sep = `\`
	}
	rest = strings.TrimLeft(rest, `/\`)
	if sep == `\` {
		rest = strings.ReplaceAll(rest, "/", `\`)
	} else {
		rest = strings.ReplaceAll(rest, `\`, "/")
	}
	return root + sep + rest
}
