package webrtsp

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// ValidateSDP checks that body is a session description with at least one media section.
func ValidateSDP(body string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return fmt.Errorf("%w: sdp: %v", ErrMalformedMessage, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: sdp has no media sections", ErrMalformedMessage)
	}
	return nil
}
