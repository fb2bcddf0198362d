package mbclient

import (
	"io"
	"time"
)

// Option configures a Client at construction.
type Option func(*Client)

// WithNumRetries sets how many extra attempts a timed-out request gets.
// Negative values are treated as zero.
func WithNumRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retries = n
	}
}

// WithByteOrder sets the byte order within each 16-bit register.
func WithByteOrder(order Endianness) Option {
	return func(c *Client) {
		c.converter.ByteOrder = order
	}
}

// WithWordOrder sets the register order within multi-register values.
func WithWordOrder(order Endianness) Option {
	return func(c *Client) {
		c.converter.WordOrder = order
	}
}

// WithTimeout sets the response timeout on the transporter, clamped to
// MinTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.transporter.SetTimeout(timeout)
	}
}

// WithLogger replaces the client's logger.
func WithLogger(logger *SimpleLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogOutput enables logging at the given level to an output.
func WithLogOutput(output io.Writer, level LogLevel) Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger(output, level, "mbclient")
	}
}
