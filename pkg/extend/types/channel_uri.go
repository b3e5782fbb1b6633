package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelURI identifies a channel independent of the connection that
// currently hosts it: scheme "channel", scheme-specific part the decimal
// channel id, fragment the protocol name bound to that channel. For
// example "channel:42#CacheServiceProtocol".
type ChannelURI struct {
	ChannelID int32
	Protocol  string
}

func (u ChannelURI) String() string {
	return fmt.Sprintf("channel:%d#%s", u.ChannelID, u.Protocol)
}

// ParseChannelURI parses the wire representation produced by String. It
// rejects anything not in the "channel:<id>#<protocol>" shape.
func ParseChannelURI(raw string) (ChannelURI, error) {
	const scheme = "channel:"
	if !strings.HasPrefix(raw, scheme) {
		return ChannelURI{}, NewValidationError(fmt.Sprintf("channel uri %q missing %q scheme", raw, scheme))
	}
	rest := raw[len(scheme):]
	idx := strings.IndexByte(rest, '#')
	if idx < 0 {
		return ChannelURI{}, NewValidationError(fmt.Sprintf("channel uri %q missing protocol fragment", raw))
	}
	idPart, protocol := rest[:idx], rest[idx+1:]
	if protocol == "" {
		return ChannelURI{}, NewValidationError(fmt.Sprintf("channel uri %q has an empty protocol fragment", raw))
	}
	id, err := strconv.ParseInt(idPart, 10, 32)
	if err != nil {
		return ChannelURI{}, NewValidationError(fmt.Sprintf("channel uri %q has a non-numeric channel id: %v", raw, err))
	}
	return ChannelURI{ChannelID: int32(id), Protocol: protocol}, nil
}
