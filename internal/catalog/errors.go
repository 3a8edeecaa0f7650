package catalog

import "fmt"

// VersionNotFoundError reports that no catalog artifact satisfies a
// version request for a board.
type VersionNotFoundError struct {
	BoardID string
	Variant string
	Port    string
	Spec    string
}

func (e *VersionNotFoundError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("no firmware matching %s for board %s variant %s (port %s)", e.Spec, e.BoardID, e.Variant, e.Port)
	}
	return fmt.Sprintf("no firmware matching %s for board %s (port %s)", e.Spec, e.BoardID, e.Port)
}

// DownloadIntegrityError reports a download whose bytes could not be
// verified: a truncated transfer or a checksum mismatch. The partial file
// has been removed when this error is returned.
type DownloadIntegrityError struct {
	Filename string
	URL      string
	Reason   string
	Err      error
}

func (e *DownloadIntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download of %s failed integrity check: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("download of %s failed integrity check: %s", e.Filename, e.Reason)
}

func (e *DownloadIntegrityError) Unwrap() error { return e.Err }
