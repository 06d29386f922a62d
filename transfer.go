package ftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/asgrim/goftp/internal/ratelimit"
)

// Store uploads data from r to remotePath in binary mode, shaped by
// WithBandwidthLimit if configured.
func (c *Client) Store(remotePath string, r io.Reader) error {
	return c.StoreContext(context.Background(), remotePath, r)
}

// StoreContext is Store with an explicit cancellation context.
func (c *Client) StoreContext(ctx context.Context, remotePath string, r io.Reader) error {
	return c.storeCommand(ctx, "STOR", remotePath, r)
}

// StoreFrom uploads a local file to remotePath. Convenience wrapper around Store.
func (c *Client) StoreFrom(remotePath, localPath string) error {
	return c.StoreFromContext(context.Background(), remotePath, localPath)
}

// StoreFromContext is StoreFrom with an explicit cancellation context.
func (c *Client) StoreFromContext(ctx context.Context, remotePath, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return &IoError{Op: "open local file", Err: err}
	}
	defer file.Close()
	return c.StoreContext(ctx, remotePath, file)
}

// Retrieve downloads remotePath into w in binary mode, shaped by
// WithBandwidthLimit if configured.
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	return c.RetrieveContext(context.Background(), remotePath, w)
}

// RetrieveContext is Retrieve with an explicit cancellation context.
func (c *Client) RetrieveContext(ctx context.Context, remotePath string, w io.Writer) error {
	return c.retrieveCommand(ctx, "RETR", remotePath, w)
}

// RetrieveTo downloads a remote file to a local path. Convenience wrapper
// around Retrieve.
func (c *Client) RetrieveTo(remotePath, localPath string) error {
	return c.RetrieveToContext(context.Background(), remotePath, localPath)
}

// RetrieveToContext is RetrieveTo with an explicit cancellation context.
func (c *Client) RetrieveToContext(ctx context.Context, remotePath, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return &IoError{Op: "create local file", Err: err}
	}
	defer file.Close()
	return c.RetrieveContext(ctx, remotePath, file)
}

// Append appends data from r to remotePath, creating it if absent.
func (c *Client) Append(remotePath string, r io.Reader) error {
	return c.AppendContext(context.Background(), remotePath, r)
}

// AppendContext is Append with an explicit cancellation context.
func (c *Client) AppendContext(ctx context.Context, remotePath string, r io.Reader) error {
	return c.storeCommand(ctx, "APPE", remotePath, r)
}

// RestartAt sets the restart marker (RFC 3659 REST) applied by the next
// transfer command.
func (c *Client) RestartAt(offset int64) error {
	return c.RestartAtContext(context.Background(), offset)
}

// RestartAtContext is RestartAt with an explicit cancellation context.
func (c *Client) RestartAtContext(ctx context.Context, offset int64) error {
	resp, err := c.sendCommand(ctx, "REST", fmt.Sprintf("%d", offset))
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &FtpError{Command: "REST", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// RetrieveFrom downloads remotePath into w starting at the given byte
// offset, for resuming an interrupted download.
func (c *Client) RetrieveFrom(remotePath string, w io.Writer, offset int64) error {
	return c.RetrieveFromContext(context.Background(), remotePath, w, offset)
}

// RetrieveFromContext is RetrieveFrom with an explicit cancellation context.
func (c *Client) RetrieveFromContext(ctx context.Context, remotePath string, w io.Writer, offset int64) error {
	if offset > 0 {
		if err := c.RestartAtContext(ctx, offset); err != nil {
			return wrapf(err, "set restart marker")
		}
	}
	return c.retrieveCommand(ctx, "RETR", remotePath, w)
}

// StoreAt uploads r to remotePath starting at the given byte offset: APPE
// when offset > 0, plain STOR otherwise. True REST+STOR resume is less
// widely supported, so APPE is the pragmatic default for offset > 0.
func (c *Client) StoreAt(remotePath string, r io.Reader, offset int64) error {
	return c.StoreAtContext(context.Background(), remotePath, r, offset)
}

// StoreAtContext is StoreAt with an explicit cancellation context.
func (c *Client) StoreAtContext(ctx context.Context, remotePath string, r io.Reader, offset int64) error {
	cmd := "STOR"
	if offset > 0 {
		cmd = "APPE"
	}
	return c.storeCommand(ctx, cmd, remotePath, r)
}

func (c *Client) storeCommand(ctx context.Context, cmd, remotePath string, r io.Reader) error {
	if err := c.TypeContext(ctx, "I"); err != nil {
		return wrapf(err, "set binary mode")
	}

	resolvedPath, err := c.resolveStorePath(ctx, remotePath)
	if err != nil {
		return err
	}

	_, dataConn, err := c.cmdDataConnFrom(ctx, cmd, resolvedPath)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(dataConn, ratelimit.NewReader(r, c.limiter))
	finishErr := c.finishDataConn(ctx, dataConn)

	if copyErr != nil {
		return &IoError{Op: cmd, Err: copyErr}
	}
	return finishErr
}

// resolveStorePath combines the cached working directory with remotePath
// (right-trim "/" from the left side, left-trim "/" from the right side,
// join with "/") and ensures every intermediate directory in the result
// exists before a STOR/APPE is issued against it.
func (c *Client) resolveStorePath(ctx context.Context, remotePath string) (string, error) {
	c.mu.Lock()
	wd := c.workingDirectory
	c.mu.Unlock()
	if wd == "" {
		wd = "/"
	}

	resolved := strings.TrimRight(wd, "/") + "/" + strings.TrimLeft(remotePath, "/")

	if dir := path.Dir(resolved); dir != "" && dir != "." && dir != "/" {
		if err := c.MakeDirAllContext(ctx, dir); err != nil {
			return "", wrapf(err, "ensure parent directory %q", dir)
		}
	}
	return resolved, nil
}

func (c *Client) retrieveCommand(ctx context.Context, cmd, remotePath string, w io.Writer) error {
	if err := c.TypeContext(ctx, "I"); err != nil {
		return wrapf(err, "set binary mode")
	}

	_, dataConn, err := c.cmdDataConnFrom(ctx, cmd, remotePath)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(ratelimit.NewWriter(w, c.limiter), dataConn)
	finishErr := c.finishDataConn(ctx, dataConn)

	if copyErr != nil {
		return &IoError{Op: cmd, Err: copyErr}
	}
	return finishErr
}
