package generate

import (
	"fmt"
	"net/url"
)

// Every worker payload passes through a validator before the agent accepts
// it. A payload that fails validation is treated the same as a thrown error
// from the worker.

func ValidateImage(mediaURL string) error {
	return validateMediaURL(StageImage, mediaURL)
}

func ValidateVideo(mediaURL string) error {
	return validateMediaURL(StageVideo, mediaURL)
}

// ValidateAudio accepts an empty media URL only when the worker reported
// why: a fully-failed audio pass with no detail is invalid.
func ValidateAudio(result AudioResult) error {
	if result.MediaURL == "" {
		if len(result.PartialFailures) > 0 {
			return nil
		}
		return fmt.Errorf("audio payload has no media and no failure detail")
	}
	return validateMediaURL(StageAudio, result.MediaURL)
}

func validateMediaURL(stage, mediaURL string) error {
	if mediaURL == "" {
		return fmt.Errorf("%s payload missing media url", stage)
	}
	u, err := url.Parse(mediaURL)
	if err != nil {
		return fmt.Errorf("%s payload has malformed media url: %w", stage, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file" {
		return fmt.Errorf("%s payload has unsupported url scheme %q", stage, u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("%s payload url missing host", stage)
	}
	return nil
}
