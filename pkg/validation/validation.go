package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// CallIDRegex validates call ID format (uuid or caller-supplied token)
	CallIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

const (
	maxSDPLength       = 64 * 1024
	maxCandidateLength = 1024
	maxReasonLength    = 200
)

// ValidateCallID validates call ID
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	if len(callID) > 100 {
		return fmt.Errorf("call ID is too long (max 100 characters)")
	}
	if !CallIDRegex.MatchString(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateMediaKind validates the requested call media kind
func ValidateMediaKind(kind string) error {
	if kind != "audio" && kind != "video" {
		return fmt.Errorf("invalid media kind (must be audio or video)")
	}
	return nil
}

// ValidateSessionDescription performs a shallow structural check of an SDP blob
func ValidateSessionDescription(sdpType, sdp string) error {
	if sdpType != "offer" && sdpType != "answer" {
		return fmt.Errorf("invalid session description type %q", sdpType)
	}
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("session description is empty")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("session description is too long (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("session description must start with v=0")
	}
	if !utf8.ValidString(sdp) {
		return fmt.Errorf("session description contains invalid characters")
	}
	return nil
}

// ValidateCandidate validates one ICE candidate line. An empty candidate
// signals end-of-candidates and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > maxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", maxCandidateLength)
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("invalid candidate format")
	}
	return nil
}

// ValidateReason validates a free-form reject/end reason
func ValidateReason(reason string) error {
	return ValidateStringLength(reason, 0, maxReasonLength, "reason")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates a video bitrate in bits per second
func ValidateBitrate(bps int) error {
	if bps < 50_000 {
		return fmt.Errorf("bitrate must be at least 50000 bps")
	}
	if bps > 20_000_000 {
		return fmt.Errorf("bitrate is too high (max 20000000 bps)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
