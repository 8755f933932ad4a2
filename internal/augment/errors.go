package augment

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingReference means the metadata carried no usable image URL.
	ErrMissingReference = errors.New("missing or invalid image reference")
	// ErrFetch wraps any failure to download the image bytes.
	ErrFetch = errors.New("image fetch failed")
	// ErrStaging wraps any failure to persist the downloaded bytes.
	ErrStaging = errors.New("image staging failed")
)

func fetchError(err error) error {
	return fmt.Errorf("%w: %w", ErrFetch, err)
}

func stagingError(err error) error {
	return fmt.Errorf("%w: %w", ErrStaging, err)
}

// ReasonOf maps an enrichment error to the Reason recorded on release.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonAttached
	case errors.Is(err, ErrMissingReference):
		return ReasonMissingReference
	case errors.Is(err, ErrFetch):
		return ReasonFetchFailed
	case errors.Is(err, ErrStaging):
		return ReasonStageFailed
	default:
		return ReasonPending
	}
}

var (
	errNoFetcher = errors.New("no fetcher configured")
	errNoStager  = errors.New("no stager configured")
	errEmptyBody = errors.New("empty body")
)
