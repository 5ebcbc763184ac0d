package framing

// Version is an HTTP/1.x protocol version.
type Version int

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

// ParseVersion recognises "HTTP/1.0" and "HTTP/1.1".
func ParseVersion(b []byte) (Version, bool) {
	switch string(b) {
	case "HTTP/1.1":
		return Version11, true
	case "HTTP/1.0":
		return Version10, true
	}
	return VersionUnknown, false
}

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}
