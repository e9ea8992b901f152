package completion

import (
	"errors"
	"fmt"
)

var (
	ErrNoValidCredential = errors.New("no valid cookie available")
	ErrEmptyMessages     = errors.New("no messages to send")
	// ErrUnsupportedMode is returned when the plot transformation is
	// switched off; there is no alternate rendering path.
	ErrUnsupportedMode = errors.New("unsupported mode: xml_plot is disabled")
)

type InvalidModelError struct {
	Model string
}

func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("invalid model %q", e.Model)
}
