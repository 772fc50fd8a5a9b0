// ABOUTME: Control message codec for discovery and retransmission
// ABOUTME: Lookup, retransmission request and discovery reply text formats
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// First bytes of LookupMessage and RexmitPrefix must stay different so
// Classify can dispatch on one byte.
const (
	LookupMessage = "ZERO_SEVEN_COME_IN\n"
	RexmitPrefix  = "LOUDER_PLEASE "
	ReplyPrefix   = "BOREWICZ_HERE "

	// MaxNameLen is the longest station name a reply may carry
	MaxNameLen = 64

	// MaxRexmitMessageLen keeps a retransmission request inside one Ethernet frame
	MaxRexmitMessageLen = 1400
)

var (
	// ErrMalformedMessage is returned for any control message that fails to parse
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrNameTooLong is returned when a station name exceeds MaxNameLen
	ErrNameTooLong = errors.New("station name too long")
)

// MessageKind identifies a control message from its first byte
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindLookup
	KindRexmit
	KindReply
)

func (k MessageKind) String() string {
	switch k {
	case KindLookup:
		return "lookup"
	case KindRexmit:
		return "rexmit"
	case KindReply:
		return "reply"
	}
	return "unknown"
}

// Classify dispatches on the first byte only; the full parse happens later
func Classify(b []byte) MessageKind {
	if len(b) == 0 {
		return KindUnknown
	}
	switch b[0] {
	case LookupMessage[0]:
		return KindLookup
	case RexmitPrefix[0]:
		return KindRexmit
	case ReplyPrefix[0]:
		return KindReply
	}
	return KindUnknown
}

// IsLookup reports whether b is exactly the lookup literal
func IsLookup(b []byte) bool {
	return string(b) == LookupMessage
}

// ParseRexmit returns the offsets of a retransmission request. Any malformed
// token rejects the whole request.
func ParseRexmit(b []byte) ([]uint64, error) {
	msg := string(b)
	if !strings.HasPrefix(msg, RexmitPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedMessage, RexmitPrefix)
	}

	list := strings.TrimSuffix(msg[len(RexmitPrefix):], "\n")
	if list == "" {
		return nil, fmt.Errorf("%w: empty offset list", ErrMalformedMessage)
	}

	tokens := strings.Split(list, ",")
	offsets := make([]uint64, 0, len(tokens))
	for _, tok := range tokens {
		// ParseUint accepts an empty string as an error, which also covers a
		// trailing or doubled comma.
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad offset %q", ErrMalformedMessage, tok)
		}
		offsets = append(offsets, n)
	}

	return offsets, nil
}

// FormatRexmit renders offsets as retransmission requests, splitting them
// so that no message exceeds maxLen bytes. maxLen <= 0 means MaxRexmitMessageLen.
func FormatRexmit(offsets []uint64, maxLen int) [][]byte {
	if maxLen <= 0 {
		maxLen = MaxRexmitMessageLen
	}

	var msgs [][]byte
	var cur []byte
	for _, off := range offsets {
		num := strconv.FormatUint(off, 10)
		if cur != nil && len(cur)+1+len(num) > maxLen {
			msgs = append(msgs, cur)
			cur = nil
		}
		if cur == nil {
			cur = append(make([]byte, 0, maxLen), RexmitPrefix...)
		} else {
			cur = append(cur, ',')
		}
		cur = append(cur, num...)
	}
	if cur != nil {
		msgs = append(msgs, cur)
	}

	return msgs
}

// Reply is a sender's answer to a lookup
type Reply struct {
	Group netip.AddrPort
	Name  string
}

// FormatReply renders a reply datagram
func FormatReply(r Reply) ([]byte, error) {
	if len(r.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(r.Name))
	}
	if strings.ContainsRune(r.Name, '\n') {
		return nil, fmt.Errorf("%w: name contains newline", ErrMalformedMessage)
	}
	if !r.Group.IsValid() {
		return nil, fmt.Errorf("%w: invalid group address", ErrMalformedMessage)
	}

	return []byte(fmt.Sprintf("%s%s %d %s\n", ReplyPrefix, r.Group.Addr(), r.Group.Port(), r.Name)), nil
}

// ParseReply parses a reply datagram. The station name is everything after
// the port and may be empty or contain spaces.
func ParseReply(b []byte) (Reply, error) {
	msg := string(b)
	if !strings.HasPrefix(msg, ReplyPrefix) {
		return Reply{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedMessage, ReplyPrefix)
	}
	if !strings.HasSuffix(msg, "\n") {
		return Reply{}, fmt.Errorf("%w: reply not newline terminated", ErrMalformedMessage)
	}

	body := msg[len(ReplyPrefix) : len(msg)-1]
	parts := strings.SplitN(body, " ", 3)
	if len(parts) < 3 {
		return Reply{}, fmt.Errorf("%w: reply needs address, port and name", ErrMalformedMessage)
	}

	addr, err := netip.ParseAddr(parts[0])
	if err != nil || !addr.Is4() || !addr.IsMulticast() {
		return Reply{}, fmt.Errorf("%w: bad multicast address %q", ErrMalformedMessage, parts[0])
	}

	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || port == 0 {
		return Reply{}, fmt.Errorf("%w: bad port %q", ErrMalformedMessage, parts[1])
	}

	name := parts[2]
	if len(name) > MaxNameLen {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}

	return Reply{
		Group: netip.AddrPortFrom(addr, uint16(port)),
		Name:  name,
	}, nil
}
