package chat

import (
	"bufio"
	"log/slog"
	"time"
)

// StartOutboundWriter drains c.Out onto c.Conn until the client is closed,
// then closes the connection. Each frame gets its own write deadline; a failed
// write closes the client and discards whatever is still queued.
func StartOutboundWriter(c *Client, timeout time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer func() {
			_ = c.Conn.Close()
		}()

		w := bufio.NewWriter(c.Conn)
		for frame := range c.Out {
			if timeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			_, err := w.Write(frame)
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				WriteFailures.Inc()
				logger.Warn("write failed", "username", c.Username, "addr", c.Conn.RemoteAddr().String(), "error", err)
				c.Close()
				for range c.Out {
				}
				return
			}
		}
	}()
}
