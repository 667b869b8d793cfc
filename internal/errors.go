package internal

import (
	"errors"
	"fmt"
)

var (
	ErrDataInvalid  = errors.New("invalid download request")
	ErrUserCanceled = errors.New("canceled by user")
)

// ProcessCanceledError marks an internal abort (file locked, no
// unfinished chunks, assembler closed).
type ProcessCanceledError struct {
	Reason string
}

func (e *ProcessCanceledError) Error() string {
	return fmt.Sprintf("process canceled: %s", e.Reason)
}

// HTTPError carries a response of 300 or above that the worker does not
// follow, including redirects past the follow limit.
type HTTPError struct {
	Status     int
	StatusText string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d (%s) for %s", e.Status, e.StatusText, e.URL)
}

// HTMLError means the server answered with an HTML body, usually a
// login or error page, instead of the file.
type HTMLError struct {
	URL string
}

func (e *HTMLError) Error() string {
	return fmt.Sprintf("download is an html page: %s", e.URL)
}

// AlreadyDownloadedError is returned for a filename collision under the
// never-redownload policy.
type AlreadyDownloadedError struct {
	Name string
}

func (e *AlreadyDownloadedError) Error() string {
	return fmt.Sprintf("already downloaded: %s", e.Name)
}
