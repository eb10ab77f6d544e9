package pathvfs

import "strings"

// Path is a hierarchical logical identifier rooted at "/", represented as
// an ordered sequence of non-empty segments. It is a plain string so it
// can be used as a map key without a custom Equal method; Segments() is
// computed on demand rather than cached.
type Path string

// Root is the path denoting the top of the hierarchy.
const Root Path = "/"

// Segments splits the path into its non-empty, trimmed components.
func (p Path) Segments() []string {
	raw := strings.Split(string(p), "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize returns the canonical string form: a leading slash followed by
// segments joined with single slashes, no trailing slash.
func (p Path) Normalize() Path {
	segs := p.Segments()
	return Path("/" + strings.Join(segs, "/"))
}

// IsRoot reports whether this path has no segments.
func (p Path) IsRoot() bool {
	return len(p.Segments()) == 0
}

// Name returns the last segment of the path, or "" if the path is root.
func (p Path) Name() string {
	segs := p.Segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Parent returns the path with its last segment removed.
func (p Path) Parent() Path {
	segs := p.Segments()
	if len(segs) == 0 {
		return Root
	}
	return Path("/" + strings.Join(segs[:len(segs)-1], "/"))
}

// Child appends name as a new trailing segment.
func (p Path) Child(name string) Path {
	return Path(p.Normalize().String() + "/" + strings.Trim(name, "/"))
}

// HasPrefix reports whether prefix is equal to p or an ancestor of p,
// segment-wise (so "/a/bc" does not count as a child of "/a/b").
func (p Path) HasPrefix(prefix Path) bool {
	pSegs, prefSegs := p.Segments(), prefix.Segments()
	if len(prefSegs) > len(pSegs) {
		return false
	}
	for i, s := range prefSegs {
		if pSegs[i] != s {
			return false
		}
	}
	return true
}

// TrimPrefix strips prefix from p and returns the remainder as a rooted
// path. If prefix is not actually a prefix of p, p is returned unchanged
// (normalized).
func (p Path) TrimPrefix(prefix Path) Path {
	if !p.HasPrefix(prefix) {
		return p.Normalize()
	}
	pSegs, prefSegs := p.Segments(), prefix.Segments()
	remainder := pSegs[len(prefSegs):]
	return Path("/" + strings.Join(remainder, "/"))
}

// String implements fmt.Stringer, returning the normalized form.
func (p Path) String() string {
	return string(p.Normalize())
}
