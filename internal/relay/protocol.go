// ABOUTME: Wire frames exchanged with relay clients: JSON arrays tagged by a verb
// ABOUTME: Parses EVENT/REQ/CLOSE/AUTH and encodes OK/EVENT/EOSE/CLOSED/NOTICE/AUTH

package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/event"
)

// Frame verbs.
const (
	VerbEvent  = "EVENT"
	VerbReq    = "REQ"
	VerbClose  = "CLOSE"
	VerbAuth   = "AUTH"
	VerbOK     = "OK"
	VerbEOSE   = "EOSE"
	VerbClosed = "CLOSED"
	VerbNotice = "NOTICE"
)

// Reason prefixes on OK and CLOSED frames.
const (
	PrefixInvalid      = "invalid"
	PrefixAuthRequired = "auth-required"
	PrefixRestricted   = "restricted"
	PrefixRateLimited  = "rate-limited"
	PrefixBlocked      = "blocked"
	PrefixDuplicate    = "duplicate"
	PrefixError        = "error"
)

// MaxSubIDLength bounds subscription ids.
const MaxSubIDLength = 64

// ErrMalformedFrame is wrapped by every frame parsing error.
var ErrMalformedFrame = errors.New("malformed frame")

// ClientFrame is a parsed client-to-relay frame.
type ClientFrame struct {
	Verb string

	// Record is set for EVENT and AUTH.
	Record *event.Candidate

	// SubID is set for REQ and CLOSE.
	SubID string

	// Filters holds the raw filter objects of a REQ. They are decoded by the
	// handler so a bad filter can be answered with CLOSED for this SubID.
	Filters []json.RawMessage
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// ParseClientFrame decodes one text frame.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, malformed("frame must be a JSON array")
	}
	if len(parts) == 0 {
		return nil, malformed("empty frame")
	}

	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return nil, malformed("verb must be a string")
	}

	f := &ClientFrame{Verb: verb}
	switch verb {
	case VerbEvent, VerbAuth:
		if len(parts) != 2 {
			return nil, malformed("%s takes exactly one record", verb)
		}
		var c event.Candidate
		if err := decodeObject(parts[1], &c); err != nil {
			return nil, malformed("%s record: %v", verb, err)
		}
		f.Record = &c

	case VerbReq:
		if len(parts) < 2 {
			return nil, malformed("REQ needs a subscription id")
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, malformed("subscription id must be a string")
		}
		f.Filters = parts[2:]

	case VerbClose:
		if len(parts) != 2 {
			return nil, malformed("CLOSE takes exactly one subscription id")
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return nil, malformed("subscription id must be a string")
		}

	default:
		return nil, malformed("unknown verb %q", verb)
	}
	return f, nil
}

// decodeObject rejects anything but a JSON object, including null.
func decodeObject(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("must be a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

// ValidSubID reports whether id is an acceptable subscription id.
func ValidSubID(id string) bool {
	return id != "" && len(id) <= MaxSubIDLength
}

// Reason joins a prefix and detail in the "prefix: detail" convention.
func Reason(prefix, detail string) string {
	return prefix + ": " + detail
}

// SplitReason separates a reason into prefix and detail. A reason without a
// recognised separator has an empty prefix.
func SplitReason(reason string) (prefix, detail string) {
	p, d, ok := strings.Cut(reason, ":")
	if !ok {
		return "", reason
	}
	return p, strings.TrimSpace(d)
}

// encodeFrame marshals a server frame with HTML escaping off.
func encodeFrame(parts ...any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parts); err != nil {
		// Only strings, bools and pre-encoded records are ever passed in.
		panic(fmt.Sprintf("encoding frame: %v", err))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// encodeRecord pre-encodes a record once for fan-out to many subscriptions.
func encodeRecord(rec *event.Record) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		panic(fmt.Sprintf("encoding record %s: %v", rec.ID, err))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func okFrame(id string, accepted bool, reason string) []byte {
	return encodeFrame(VerbOK, id, accepted, reason)
}

func eventFrame(subID string, rec json.RawMessage) []byte {
	return encodeFrame(VerbEvent, subID, rec)
}

func eoseFrame(subID string) []byte {
	return encodeFrame(VerbEOSE, subID)
}

func closedFrame(subID, reason string) []byte {
	return encodeFrame(VerbClosed, subID, reason)
}

func noticeFrame(msg string) []byte {
	return encodeFrame(VerbNotice, msg)
}

func authFrame(challenge string) []byte {
	return encodeFrame(VerbAuth, challenge)
}
