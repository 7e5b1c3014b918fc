package gnss

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/provider"
)

// Replay feeds the sentences of an NMEA log into the engine until ctx is
// done, starting over at EOF. One epoch (ending with an RMC sentence) is
// fed per interval.
func (e *Engine) Replay(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	f, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open nmea log %s", path)
	}
	defer f.Close()

	logrus.WithFields(logrus.Fields{
		"path":     path,
		"interval": interval,
	}).Info("replaying nmea log")

	for {
		if err := e.replayOnce(ctx, f, interval); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return pkgerrors.Wrapf(err, "failed to rewind %s", path)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (e *Engine) replayOnce(ctx context.Context, r io.Reader, interval time.Duration) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if err := e.Feed(line); err != nil && !errors.Is(err, provider.ErrProducerUnavailable) {
			logrus.WithError(err).Debug("skipping sentence")
		}
		if isEpochEnd(line) {
			if err := sleep(ctx, interval); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

// Run replays path if set, otherwise it waits for ctx. Injected sentences
// are accepted either way.
func (e *Engine) Run(ctx context.Context, path string, interval time.Duration) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	err := e.Replay(ctx, path, interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isEpochEnd(line string) bool {
	if len(line) < 6 || line[0] != '$' {
		return false
	}
	return strings.HasPrefix(line[3:], "RMC,")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
