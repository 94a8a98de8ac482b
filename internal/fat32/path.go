package fat32

import "strings"

const (
	maxPathLen    = 4096
	maxSegmentLen = 255
)

// Path is a parsed filesystem path (§3.8): a sequence of name segments
// with root/relative flags. The separator is '/'.
type Path struct {
	Segments   []string
	IsRoot     bool
	IsRelative bool
}

// ParsePath splits raw on '/' and validates the length boundaries of §3.8
// and §8 ("paths of exactly 4096 and 4097 bytes accept and reject
// respectively").
func ParsePath(raw string) (*Path, *Error) {
	if len(raw) == 0 {
		return nil, errf(PathEmpty, "empty path")
	}
	if len(raw) > maxPathLen {
		return nil, errf(PathTooLong, "path length %d exceeds %d", len(raw), maxPathLen)
	}

	p := &Path{
		IsRoot:     strings.HasPrefix(raw, "/"),
		IsRelative: !strings.HasPrefix(raw, "/"),
	}

	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		// "/" alone: the root, zero segments.
		return p, nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" {
			// collapse doubled slashes rather than reject, matching the
			// original's tolerant tokenizer.
			continue
		}
		if len(seg) > maxSegmentLen {
			return nil, errf(FilenameTooLong, "segment %q length %d exceeds %d", seg, len(seg), maxSegmentLen)
		}
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

// String reconstructs an absolute-path representation suitable for
// hashing and cache comparisons (§4.7).
func (p *Path) String() string {
	if len(p.Segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.Segments, "/")
}

// Parent returns the path to the containing directory and the final
// segment name. ok is false for the root.
func (p *Path) Parent() (parent *Path, name string, ok bool) {
	if len(p.Segments) == 0 {
		return nil, "", false
	}
	name = p.Segments[len(p.Segments)-1]
	parent = &Path{IsRoot: true, Segments: append([]string{}, p.Segments[:len(p.Segments)-1]...)}
	return parent, name, true
}
