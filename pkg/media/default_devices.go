//go:build mediadevices

package media

import "log/slog"

// NewDefaultSource returns a camera/microphone source
func NewDefaultSource(logger *slog.Logger) (Source, error) {
	src, err := NewDeviceSource(logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}
