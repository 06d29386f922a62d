package ftp

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/errwrap"
	multierror "github.com/hashicorp/go-multierror"
)

// Login authenticates with the server and sequences the rest of the
// session setup: protection negotiation (if TLS is active), feature
// discovery, listing-strategy selection, UTF8 opt-in, representation
// type, and creation of/change into BaseDirectory if configured.
func (c *Client) Login(username, password string) error {
	return c.LoginContext(context.Background(), username, password)
}

// LoginContext is Login with an explicit cancellation context.
func (c *Client) LoginContext(ctx context.Context, username, password string) error {
	if err := c.authenticate(ctx, username, password); err != nil {
		_, _ = c.sendCommand(ctx, "QUIT")
		return err
	}

	c.mu.Lock()
	c.isAuthenticated = true
	c.mu.Unlock()

	if err := c.negotiatePostAuth(ctx); err != nil {
		return wrapf(err, "post-login negotiation")
	}

	if c.baseDirectory != "" {
		if err := c.MakeDirAllContext(ctx, c.baseDirectory); err != nil {
			return wrapf(err, "create base directory %s", c.baseDirectory)
		}
		if err := c.ChangeDirContext(ctx, c.baseDirectory); err != nil {
			return wrapf(err, "change to base directory %s", c.baseDirectory)
		}
	}

	if _, err := c.CurrentDirContext(ctx); err != nil {
		return wrapf(err, "read working directory")
	}

	return nil
}

// authenticate runs the USER/PASS exchange, aggregating both commands'
// failures with go-multierror so a caller sees the full picture of why
// login was rejected.
func (c *Client) authenticate(ctx context.Context, username, password string) error {
	resp, err := c.sendCommand(ctx, "USER", username)
	if err != nil {
		return err
	}
	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 && resp.Code != 332 {
		return &FtpError{Command: "USER", Response: resp.Message, Code: resp.Code}
	}

	resp, err = c.sendCommand(ctx, "PASS", password)
	if err != nil {
		var merr *multierror.Error
		merr = multierror.Append(merr, errwrap.Wrapf("USER accepted but PASS failed: {{err}}", err))
		return merr.ErrorOrNil()
	}
	if !parsePASSOK(resp) {
		return &FtpError{Command: "PASS", Response: resp.Message, Code: resp.Code}
	}
	return nil
}

// negotiatePostAuth performs the steps that only make sense once
// authenticated: FEAT, listing-strategy choice, UTF8 opt-in, and the
// configured representation TYPE.
func (c *Client) negotiatePostAuth(ctx context.Context) error {
	feats, err := c.FeaturesContext(ctx)
	if err != nil {
		// FEAT is optional; servers that don't support it fail here and
		// listing falls back to LIST.
		c.listingStrategy = listingStrategyLIST
	} else {
		c.chooseListingStrategy(feats)
		if _, ok := feats["UTF8"]; ok {
			_ = c.SetOptionContext(ctx, "UTF8", "ON")
		}
	}

	typeChar := c.transferType
	if typeChar == "" {
		typeChar = "I"
	}
	args := []string{typeChar}
	if c.transferSecondType != "" {
		args = append(args, c.transferSecondType)
	}
	if _, err := c.expectCode(ctx, 200, "TYPE", args...); err != nil {
		return err
	}
	c.currentType = typeChar

	return nil
}

// chooseListingStrategy decides, exactly once, whether this session uses
// MLSD or legacy LIST for directory enumeration, based on the FEAT result.
func (c *Client) chooseListingStrategy(feats map[string]string) {
	if c.listingStrategy != listingStrategyUnknown {
		return
	}
	if _, ok := feats["MLSD"]; ok {
		c.listingStrategy = listingStrategyMLSD
		return
	}
	c.listingStrategy = listingStrategyLIST
}

// ChangeDir changes the current working directory and refreshes the
// cached workingDirectory from the server's PWD on success.
func (c *Client) ChangeDir(path string) error {
	return c.ChangeDirContext(context.Background(), path)
}

// ChangeDirContext is ChangeDir with an explicit cancellation context.
func (c *Client) ChangeDirContext(ctx context.Context, path string) error {
	if path == "" {
		return &InvalidArgumentError{Argument: path, Reason: "path must not be empty"}
	}
	resp, err := c.sendCommand(ctx, "CWD", path)
	if err != nil {
		return err
	}
	if !parseCWDOK(resp) {
		return &FtpError{Command: "CWD", Response: resp.Message, Code: resp.Code}
	}

	pwdResp, err := c.sendCommand(ctx, "PWD")
	if err == nil && pwdResp.Code == 257 {
		if wd, perr := parsePWD(pwdResp); perr == nil {
			c.mu.Lock()
			c.workingDirectory = wd
			c.mu.Unlock()
		}
	}
	return nil
}

// CurrentDir returns the working directory, refreshing it from PWD.
func (c *Client) CurrentDir() (string, error) {
	return c.CurrentDirContext(context.Background())
}

// CurrentDirContext is CurrentDir with an explicit cancellation context.
func (c *Client) CurrentDirContext(ctx context.Context) (string, error) {
	resp, err := c.expect2xx(ctx, "PWD")
	if err != nil {
		return "", err
	}
	wd, err := parsePWD(resp)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.workingDirectory = wd
	c.mu.Unlock()
	return wd, nil
}

// MakeDir creates a single directory component.
func (c *Client) MakeDir(path string) error {
	return c.MakeDirContext(context.Background(), path)
}

// MakeDirContext is MakeDir with an explicit cancellation context.
func (c *Client) MakeDirContext(ctx context.Context, dirPath string) error {
	_, err := c.expect2xx(ctx, "MKD", dirPath)
	return err
}

// MakeDirAllContext creates dirPath and any missing parent directories by
// walking into each segment, creating it only when a CWD into it fails
// with 550, then restores the original working directory on completion.
func (c *Client) MakeDirAllContext(ctx context.Context, dirPath string) error {
	clean := path.Clean(dirPath)
	if clean == "." || clean == "/" || clean == "" {
		return nil
	}

	originalDir, err := c.CurrentDirContext(ctx)
	if err != nil {
		return wrapf(err, "read working directory before recursive mkdir")
	}

	if strings.HasPrefix(clean, "/") {
		if _, err := c.sendCommand(ctx, "CWD", "/"); err != nil {
			return wrapf(err, "cwd /")
		}
	}

	for _, segment := range strings.Split(strings.Trim(clean, "/"), "/") {
		if segment == "" {
			continue
		}
		resp, err := c.sendCommand(ctx, "CWD", segment)
		if err != nil {
			_, _ = c.sendCommand(ctx, "CWD", originalDir)
			return wrapf(err, "cwd %q", segment)
		}
		if resp.Code == 550 {
			if _, err := c.expect2xx(ctx, "MKD", segment); err != nil {
				_, _ = c.sendCommand(ctx, "CWD", originalDir)
				return wrapf(err, "mkdir %q", segment)
			}
			if _, err := c.sendCommand(ctx, "CWD", segment); err != nil {
				_, _ = c.sendCommand(ctx, "CWD", originalDir)
				return wrapf(err, "cwd %q after mkdir", segment)
			}
		}
		// Any other reply code: keep walking the remaining segments.
	}

	restoreResp, err := c.sendCommand(ctx, "CWD", originalDir)
	if err != nil {
		return wrapf(err, "restore working directory %q", originalDir)
	}
	if restoreResp.Code >= 200 && restoreResp.Code < 300 {
		c.mu.Lock()
		c.workingDirectory = originalDir
		c.mu.Unlock()
	}
	return nil
}

// RemoveDir removes a single, already-empty directory.
func (c *Client) RemoveDir(path string) error {
	return c.RemoveDirContext(context.Background(), path)
}

// RemoveDirContext is RemoveDir with an explicit cancellation context.
func (c *Client) RemoveDirContext(ctx context.Context, dirPath string) error {
	_, err := c.expect2xx(ctx, "RMD", dirPath)
	return err
}

// Delete deletes a single file.
func (c *Client) Delete(path string) error {
	return c.DeleteContext(context.Background(), path)
}

// DeleteContext is Delete with an explicit cancellation context.
func (c *Client) DeleteContext(ctx context.Context, path string) error {
	_, err := c.expect2xx(ctx, "DELE", path)
	return err
}

// DeleteDirRecursive removes dirPath and everything beneath it.
func (c *Client) DeleteDirRecursive(dirPath string) error {
	return c.DeleteDirRecursiveContext(context.Background(), dirPath)
}

// DeleteDirRecursiveContext removes dirPath and everything beneath it,
// depth-first. Every failed file/subdirectory deletion is collected into
// a single go-multierror rather than bailing on the first error, so a
// partially-protected tree reports every entry it couldn't remove.
func (c *Client) DeleteDirRecursiveContext(ctx context.Context, dirPath string) error {
	var merr *multierror.Error

	entries, err := c.ListContext(ctx, dirPath)
	if err != nil {
		return wrapf(err, "list %s", dirPath)
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		childPath := path.Join(dirPath, entry.Name)
		if entry.Type == "dir" {
			if err := c.DeleteDirRecursiveContext(ctx, childPath); err != nil {
				merr = multierror.Append(merr, err)
			}
			continue
		}
		if err := c.DeleteContext(ctx, childPath); err != nil {
			merr = multierror.Append(merr, errwrap.Wrapf(fmt.Sprintf("delete %q: {{err}}", childPath), err))
		}
	}

	if merr.ErrorOrNil() != nil {
		return merr
	}

	if err := c.RemoveDirContext(ctx, dirPath); err != nil {
		return errwrap.Wrapf(fmt.Sprintf("rmdir %q: {{err}}", dirPath), err)
	}
	return nil
}

// Rename renames or moves a file/directory via RNFR/RNTO.
func (c *Client) Rename(from, to string) error {
	return c.RenameContext(context.Background(), from, to)
}

// RenameContext is Rename with an explicit cancellation context.
func (c *Client) RenameContext(ctx context.Context, from, to string) error {
	resp, err := c.sendCommand(ctx, "RNFR", from)
	if err != nil {
		return err
	}
	if resp.Code != 350 {
		return &FtpError{Command: "RNFR", Response: resp.Message, Code: resp.Code}
	}
	_, err = c.expect2xx(ctx, "RNTO", to)
	return err
}

// Size returns a file's size in bytes via SIZE.
func (c *Client) Size(path string) (int64, error) {
	return c.SizeContext(context.Background(), path)
}

// SizeContext is Size with an explicit cancellation context.
func (c *Client) SizeContext(ctx context.Context, path string) (int64, error) {
	resp, err := c.expect2xx(ctx, "SIZE", path)
	if err != nil {
		return 0, err
	}
	return parseSIZE(resp)
}

// ModTime returns a file's modification time via MDTM (RFC 3659).
func (c *Client) ModTime(path string) (time.Time, error) {
	return c.ModTimeContext(context.Background(), path)
}

// ModTimeContext is ModTime with an explicit cancellation context.
func (c *Client) ModTimeContext(ctx context.Context, path string) (time.Time, error) {
	resp, err := c.expect2xx(ctx, "MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	return parseMDTM(resp)
}

// SetModTime sets a file's modification time via MFMT (draft-somers-ftp-mfxx).
func (c *Client) SetModTime(path string, t time.Time) error {
	return c.SetModTimeContext(context.Background(), path, t)
}

// SetModTimeContext is SetModTime with an explicit cancellation context.
func (c *Client) SetModTimeContext(ctx context.Context, path string, t time.Time) error {
	timestamp := t.UTC().Format("20060102150405")
	_, err := c.expect2xx(ctx, "MFMT", timestamp, path)
	return err
}

// Chmod changes a file's permissions via SITE CHMOD.
func (c *Client) Chmod(path string, mode os.FileMode) error {
	return c.ChmodContext(context.Background(), path, mode)
}

// ChmodContext is Chmod with an explicit cancellation context.
func (c *Client) ChmodContext(ctx context.Context, path string, mode os.FileMode) error {
	octalMode := fmt.Sprintf("%04o", mode&os.ModePerm)
	_, err := c.expect2xx(ctx, "SITE", "CHMOD", octalMode, path)
	return err
}
