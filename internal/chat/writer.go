// Package chat writes a channel's tapped chat messages to a log file for
// the duration of one stream download.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const writeBuffer = 16384

// Receiver is the consumer side of a chat queue, satisfied by the IRC tap.
type Receiver interface {
	Open() bool
	Close() bool
	Recv(ctx context.Context) (string, error)
}

// Log buffers chat messages into the file at path until done fires. Each
// line is prefixed with the message's millisecond offset from startedAt;
// messages from before the stream started are skipped. The receiver must be
// closed when Log is called and is closed again on return.
func Log(ctx context.Context, rx Receiver, path string, startedAt time.Time, done <-chan struct{}) error {
	if !rx.Open() {
		return errors.New("chat: channel queue was unexpectedly open")
	}
	defer rx.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("chat: open log file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriterSize(file, writeBuffer)

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		msg, err := rx.Recv(recvCtx)
		if err != nil {
			select {
			case <-done:
				if err := w.Flush(); err != nil {
					return fmt.Errorf("chat: flush log file: %w", err)
				}
				return nil
			default:
				_ = w.Flush()
				return err
			}
		}

		delta := time.Since(startedAt).Milliseconds()
		if delta < 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%d: %s\n", delta, msg); err != nil {
			return fmt.Errorf("chat: write log file: %w", err)
		}
	}
}
