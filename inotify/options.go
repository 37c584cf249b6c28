package inotify

import (
	"io"
	"log/slog"
)

type options struct {
	logger     *slog.Logger
	bufferSize int
}

func defaultOptions() options {
	return options{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize: RecordBufferSize,
	}
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger used for debug tracing. Sessions log nothing by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBufferSize sets the read buffer size. Values below RecordBufferSize are
// raised to it, since a smaller buffer cannot hold a record with a maximal
// name and the kernel would reject the read with EINVAL.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n < RecordBufferSize {
			n = RecordBufferSize
		}
		o.bufferSize = n
	}
}
