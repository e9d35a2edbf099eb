package discovery

import (
	"strconv"
	"strings"
)

// segmentPrefix and segmentExt bound the glob the scanner applies before
// attempting a full parse.
const (
	segmentPrefix = "M1SpatialSystem_"
	segmentExt    = ".mem"
)

// ParsedName is the decomposition of a segment filename:
// M1SpatialSystem_<role>_PID<pid>_PTR<addr>_T<timestamp>.
type ParsedName struct {
	Role      string
	ProcessID uint32
	Address   uint64
	Timestamp uint64
}

// ParseFilename extracts (role, pid, addr, timestamp) from a segment
// filename. It accepts a 0x-prefixed or bare hex address, falling back to
// decimal. Any missing field is a parse failure; the caller must not
// delete the file solely on that basis.
func ParseFilename(name string) (ParsedName, bool) {
	name = strings.TrimSuffix(name, segmentExt)

	prefixPos := strings.Index(name, segmentPrefix)
	if prefixPos < 0 {
		return ParsedName{}, false
	}
	rest := name[prefixPos+len(segmentPrefix):]

	pidPos := strings.Index(rest, "_PID")
	if pidPos < 0 {
		return ParsedName{}, false
	}
	role := rest[:pidPos]
	rest = rest[pidPos+len("_PID"):]

	pidEnd := strings.Index(rest, "_")
	if pidEnd < 0 {
		return ParsedName{}, false
	}
	pid, err := strconv.ParseUint(rest[:pidEnd], 10, 32)
	if err != nil {
		return ParsedName{}, false
	}
	rest = rest[pidEnd:]

	ptrPos := strings.Index(rest, "_PTR")
	if ptrPos < 0 {
		return ParsedName{}, false
	}
	rest = rest[ptrPos+len("_PTR"):]

	ptrEnd := strings.Index(rest, "_")
	if ptrEnd < 0 {
		return ParsedName{}, false
	}
	addrStr := rest[:ptrEnd]
	addr, err := parseAddress(addrStr)
	if err != nil {
		return ParsedName{}, false
	}
	rest = rest[ptrEnd:]

	tPos := strings.Index(rest, "_T")
	if tPos < 0 {
		return ParsedName{}, false
	}
	rest = rest[tPos+len("_T"):]
	if rest == "" {
		return ParsedName{}, false
	}
	ts, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return ParsedName{}, false
	}

	return ParsedName{
		Role:      role,
		ProcessID: uint32(pid),
		Address:   addr,
		Timestamp: ts,
	}, true
}

func parseAddress(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if v, err := strconv.ParseUint(s, 16, 64); err == nil {
		return v, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
