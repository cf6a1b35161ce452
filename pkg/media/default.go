//go:build !mediadevices

package media

import "log/slog"

// NewDefaultSource returns the synthetic source. Build with the mediadevices
// tag to capture real camera and microphone input.
func NewDefaultSource(logger *slog.Logger) (Source, error) {
	return NewSyntheticSource(logger), nil
}
