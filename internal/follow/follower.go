// Package follow tails a file of LLM outputs and tracks each new line.
// Lines holding a JSON object are decoded as records; any other line is
// tracked as plain text.
package follow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kon-rad/neoapi-go/internal/record"
)

const DefaultPoll = 500 * time.Millisecond

type Tracker interface {
	Track(r *record.LLMOutput) error
}

type Follower struct {
	path         string
	poll         time.Duration
	maxTextBytes int
	tracker      Tracker
	logger       *slog.Logger

	tracked  atomic.Int64
	rejected atomic.Int64
}

type Option func(*Follower)

func WithPoll(poll time.Duration) Option {
	return func(f *Follower) {
		if poll > 0 {
			f.poll = poll
		}
	}
}

func WithMaxTextBytes(n int) Option {
	return func(f *Follower) { f.maxTextBytes = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Follower) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func New(path string, tracker Tracker, opts ...Option) *Follower {
	f := &Follower{
		path:    path,
		poll:    DefaultPoll,
		tracker: tracker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "follow", "path", path)
	return f
}

// Tracked is the number of lines handed to the tracker.
func (f *Follower) Tracked() int64 { return f.tracked.Load() }

// Rejected counts lines that failed to decode or to track.
func (f *Follower) Rejected() int64 { return f.rejected.Load() }

// Run polls the file until ctx is done. Content present when Run starts is
// skipped; a replaced or truncated file is read from the beginning.
func (f *Follower) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	var offset int64
	var lastInode uint64
	if fi, err := os.Stat(f.path); err == nil {
		offset = fi.Size()
		lastInode = inode(fi)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(f.path)
			if err != nil {
				continue
			}
			if ino := inode(fi); ino != 0 {
				if lastInode != 0 && ino != lastInode {
					f.logger.Info("followed file replaced, reading from start")
					offset = 0
				}
				lastInode = ino
			}
			if fi.Size() < offset {
				f.logger.Info("followed file truncated, reading from start")
				offset = 0
			}
			if fi.Size() == offset {
				continue
			}
			next, err := f.readFrom(offset)
			if err != nil {
				f.logger.Warn("read followed file failed", "error", err)
			}
			offset = next
		}
	}
}

// readFrom consumes complete lines after offset and returns the offset of
// the first byte not yet consumed. A trailing partial line is left for the
// next poll.
func (f *Follower) readFrom(offset int64) (int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return offset, err
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		offset += int64(len(line))
		f.handle(bytes.TrimSpace(line))
	}
}

func (f *Follower) handle(line []byte) {
	if len(line) == 0 {
		return
	}
	r, err := f.parse(line)
	if err != nil {
		f.rejected.Add(1)
		f.logger.Warn("skip undecodable line", "error", err)
		return
	}
	if err := f.tracker.Track(r); err != nil {
		f.rejected.Add(1)
		f.logger.Warn("track followed line failed", "error", err)
		return
	}
	f.tracked.Add(1)
}

func (f *Follower) parse(line []byte) (*record.LLMOutput, error) {
	if line[0] != '{' {
		return record.New(record.TruncateText(string(line), f.maxTextBytes),
			record.WithMetadata(map[string]any{"source": "follow"})), nil
	}
	r, err := record.Decode(line)
	if err != nil {
		return nil, err
	}
	r.Text = record.TruncateText(r.Text, f.maxTextBytes)
	return r, nil
}

func inode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
