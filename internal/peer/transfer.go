package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const (
	cancelTimeout   = 2 * time.Second
	defaultFileName = "download"
	partialPattern  = ".peer-drop-*.part"
)

// Progress is the percentage a chunk starting at offset reports, rounded to
// the nearest integer.
func Progress(offset, total int64) int {
	if total <= 0 {
		return protocol.MaxProgress
	}
	return int(math.Round(float64(offset) / float64(total) * 100))
}

// SendFile offers the file at path to peer to, waits for an answer and
// streams it in binary chunks. It returns ErrRejected if the receiver declines.
func (c *Client) SendFile(ctx context.Context, to, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	offer := &protocol.FileOffer{
		To:       to,
		FileName: filepath.Base(path),
		FileSize: info.Size(),
		FileType: mime.TypeByExtension(filepath.Ext(path)),
	}
	log := c.logger.WithFields(logrus.Fields{"to": to, "file": offer.FileName})

	if err := c.Offer(ctx, offer); err != nil {
		return err
	}
	log.Infof("Offered %s, waiting for an answer", humanize.Bytes(uint64(offer.FileSize)))

	if err := c.awaitAnswer(ctx, to); err != nil {
		if ctx.Err() != nil {
			c.cancelQuietly(to)
		}
		return err
	}
	log.Info("Offer accepted")

	bar := c.newBar(offer.FileSize, "sending "+offer.FileName, true)
	buf := make([]byte, c.config.ChunkSize)
	var offset int64

	for offset < offer.FileSize {
		if err := c.checkAborted(to); err != nil {
			return err
		}
		if ctx.Err() != nil {
			c.cancelQuietly(to)
			return ctx.Err()
		}

		n, err := io.ReadFull(f, buf)
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.cancelQuietly(to)
			return fmt.Errorf("reading %s: %w", path, err)
		}

		if err := c.SendChunk(ctx, to, buf[:n], Progress(offset, offer.FileSize)); err != nil {
			return err
		}
		offset += int64(n)
		_ = bar.Add(n)
	}

	if err := c.Complete(ctx, to); err != nil {
		return err
	}
	_ = bar.Finish()

	log.Infof("Sent %s", humanize.Bytes(uint64(offset)))
	return nil
}

func (c *Client) awaitAnswer(ctx context.Context, to string) error {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *protocol.FileAccept:
			if m.To == to {
				return nil
			}
		case *protocol.FileReject:
			if m.To == to {
				return ErrRejected
			}
		case *protocol.FileCancel:
			if m.From == to {
				return ErrCancelled
			}
		case *protocol.FileFailed:
			if m.Peer == to {
				return fmt.Errorf("%w: %s", ErrTransferFailed, m.Reason)
			}
		}
		c.logger.WithField("type", msg.Type().String()).Debug("Ignoring message while waiting for an answer")
	}
}

// checkAborted looks at messages already received, without blocking, for
// a cancel or failure concerning to.
func (c *Client) checkAborted(to string) error {
	for {
		select {
		case msg, ok := <-c.inbox:
			if !ok {
				if err := c.err(); err != nil {
					return err
				}
				return ErrNotConnected
			}
			switch m := msg.(type) {
			case *protocol.FileCancel:
				if m.From == to {
					return ErrCancelled
				}
			case *protocol.FileFailed:
				if m.Peer == to {
					return fmt.Errorf("%w: %s", ErrTransferFailed, m.Reason)
				}
			}
			c.logger.WithField("type", msg.Type().String()).Debug("Ignoring message while sending")
		default:
			return nil
		}
	}
}

// Decider chooses whether to accept an incoming offer.
type Decider func(offer *protocol.FileOffer) bool

// AcceptAll accepts every offer.
func AcceptAll(*protocol.FileOffer) bool { return true }

// ReceiveFile waits for the next offer, asks decide and, if accepted, writes
// the file into dir. The partial file is removed unless the transfer completes.
// It returns the path of the received file.
func (c *Client) ReceiveFile(ctx context.Context, dir string, decide Decider) (string, error) {
	offer, err := c.awaitOffer(ctx)
	if err != nil {
		return "", err
	}
	sender := offer.From
	log := c.logger.WithFields(logrus.Fields{"from": sender, "file": offer.FileName})
	log.Infof("Offer from %s: %s (%s)", offer.FromName, offer.FileName, humanize.Bytes(uint64(max(offer.FileSize, 0))))

	if decide != nil && !decide(offer) {
		if err := c.Reject(ctx, sender); err != nil {
			return "", err
		}
		log.Info("Offer rejected")
		return "", ErrRejected
	}

	part, err := os.CreateTemp(dir, partialPattern)
	if err != nil {
		return "", fmt.Errorf("creating partial file: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = part.Close()
			_ = os.Remove(part.Name())
		}
	}()

	if err := c.Accept(ctx, sender); err != nil {
		return "", err
	}

	bar := c.newBar(protocol.MaxProgress, "receiving "+offer.FileName, false)
	var written int64

	for {
		msg, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelQuietly(sender)
			}
			return "", err
		}

		switch m := msg.(type) {
		case *protocol.FileChunk:
			if m.From != sender {
				continue
			}
			n, err := part.Write(m.Chunk)
			written += int64(n)
			if err != nil {
				c.cancelQuietly(sender)
				return "", fmt.Errorf("writing %s: %w", part.Name(), err)
			}
			_ = bar.Set(m.Progress)
		case *protocol.FileComplete:
			if m.From != sender {
				continue
			}
			if err := part.Close(); err != nil {
				return "", fmt.Errorf("closing %s: %w", part.Name(), err)
			}
			dest := uniquePath(dir, offer.FileName)
			if err := os.Rename(part.Name(), dest); err != nil {
				return "", fmt.Errorf("saving %s: %w", dest, err)
			}
			done = true
			_ = bar.Finish()

			if written != offer.FileSize {
				log.Warnf("Received %d bytes, offer announced %d", written, offer.FileSize)
			}
			log.WithField("path", dest).Infof("Received %s", humanize.Bytes(uint64(written)))
			return dest, nil
		case *protocol.FileCancel:
			if m.From == sender {
				return "", ErrCancelled
			}
		case *protocol.FileFailed:
			if m.Peer == sender {
				return "", fmt.Errorf("%w: %s", ErrTransferFailed, m.Reason)
			}
		case *protocol.FileOffer:
			if m.From == sender {
				// The relay dropped the running transfer in favour of this offer.
				return "", ErrCancelled
			}
			if err := c.Reject(ctx, m.From); err != nil {
				return "", err
			}
			log.WithField("other", m.From).Info("Rejected offer while busy")
		}
	}
}

func (c *Client) awaitOffer(ctx context.Context) (*protocol.FileOffer, error) {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if offer, ok := msg.(*protocol.FileOffer); ok {
			return offer, nil
		}
		c.logger.WithField("type", msg.Type().String()).Debug("Ignoring message while waiting for an offer")
	}
}

// cancelQuietly tells peer to give up on the transfer even if ctx is already done.
func (c *Client) cancelQuietly(peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if err := c.Cancel(ctx, peer); err != nil {
		c.logger.Debugf("Failed to send cancel: %v", err)
	}
}

func (c *Client) newBar(total int64, description string, bytes bool) *progressbar.ProgressBar {
	w := c.config.Progress
	if w == nil {
		w = io.Discard
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65 * time.Millisecond),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }),
	}
	if bytes {
		opts = append(opts, progressbar.OptionShowBytes(true), progressbar.OptionShowCount())
	}
	return progressbar.NewOptions64(total, opts...)
}

// uniquePath places name inside dir without overwriting anything already there.
// Directory components in name are dropped.
func uniquePath(dir, name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if name == "/" || name == "." || name == "" {
		name = defaultFileName
	}

	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
