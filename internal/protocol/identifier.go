package protocol

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	namespacePattern = regexp.MustCompile(`^(\.[^/:.]|[\w-])+$`)
	segmentPattern   = regexp.MustCompile(`^[^/:.]+$`)
)

// Identifier is the canonical namespaced name used to address every
// resource on the wire: a reverse-DNS namespace plus a non-empty path.
// The string form "namespace:seg1/seg2" is the universal key.
type Identifier struct {
	Namespace string
	Path      []string
}

// NewIdentifier builds an identifier from a namespace and path segments.
func NewIdentifier(namespace string, path ...string) (Identifier, error) {
	if !namespacePattern.MatchString(namespace) {
		return Identifier{}, fmt.Errorf("invalid namespace %q", namespace)
	}
	if len(path) == 0 {
		return Identifier{}, fmt.Errorf("identifier %q requires at least one path segment", namespace)
	}
	for _, seg := range path {
		if !segmentPattern.MatchString(seg) {
			return Identifier{}, fmt.Errorf("invalid path segment %q", seg)
		}
	}
	return Identifier{Namespace: namespace, Path: append([]string(nil), path...)}, nil
}

// MustIdentifier is NewIdentifier for statically known names.
func MustIdentifier(namespace string, path ...string) Identifier {
	id, err := NewIdentifier(namespace, path...)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseIdentifier parses the canonical "namespace:seg1/seg2" form.
func ParseIdentifier(key string) (Identifier, error) {
	namespace, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Identifier{}, fmt.Errorf("identifier %q missing namespace separator", key)
	}
	return NewIdentifier(namespace, strings.Split(rest, "/")...)
}

// IdentifierFromURL derives an identifier from a URL: the host labels are
// reversed into the namespace and the URL path becomes the identifier path.
func IdentifierFromURL(rawURL string) (Identifier, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Identifier{}, fmt.Errorf("parse url: %w", err)
	}
	namespace := ReverseHost(u.Hostname())
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		segments = []string{"-"}
	}
	return NewIdentifier(namespace, segments...)
}

// ReverseHost turns "app.example.com" into "com.example.app".
func ReverseHost(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// Key returns the canonical string form.
func (id Identifier) Key() string {
	return id.Namespace + ":" + strings.Join(id.Path, "/")
}

// IsZero reports whether the identifier is the empty value.
func (id Identifier) IsZero() bool {
	return id.Namespace == "" && len(id.Path) == 0
}

// Equal reports key equality.
func (id Identifier) Equal(other Identifier) bool {
	return id.Key() == other.Key()
}

// Join appends path segments, returning a new identifier.
func (id Identifier) Join(segments ...string) Identifier {
	return Identifier{
		Namespace: id.Namespace,
		Path:      append(append([]string(nil), id.Path...), segments...),
	}
}

// IsSubpathOf reports whether id lives under parent: same namespace and
// parent's path is a prefix of id's path.
func (id Identifier) IsSubpathOf(parent Identifier) bool {
	if id.Namespace != parent.Namespace {
		return false
	}
	if len(parent.Path) > len(id.Path) {
		return false
	}
	for i, seg := range parent.Path {
		if id.Path[i] != seg {
			return false
		}
	}
	return true
}

// IsNamespaceOf reports whether both identifiers share a namespace.
func (id Identifier) IsNamespaceOf(other Identifier) bool {
	return id.Namespace == other.Namespace
}

func (id Identifier) String() string {
	return id.Key()
}

// MarshalText encodes the canonical key.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.Key()), nil
}

// UnmarshalText parses the canonical key.
func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^\w.-]`)

// SanitizedPath maps the identifier onto a relative filesystem path under
// a data directory. Each segment is scrubbed of separator characters so a
// hostile identifier cannot escape the directory.
func (id Identifier) SanitizedPath() string {
	parts := make([]string, 0, len(id.Path)+1)
	parts = append(parts, sanitizeSegment(id.Namespace))
	for _, seg := range id.Path {
		parts = append(parts, sanitizeSegment(seg))
	}
	return filepath.Join(parts...)
}

func sanitizeSegment(seg string) string {
	cleaned := unsafePathChars.ReplaceAllString(seg, "_")
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}
