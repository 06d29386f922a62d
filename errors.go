package ftp

import (
	"fmt"

	"github.com/pkg/errors"
)

// FtpError represents an FTP protocol error: the server returned a reply
// code other than the one a command required. It carries full context of
// the command/response exchange for debugging.
type FtpError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response message received from the server
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *FtpError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is2xx returns true if the error code is in the 2xx range (success).
func (e *FtpError) Is2xx() bool {
	return e.Code >= 200 && e.Code < 300
}

// Is3xx returns true if the error code is in the 3xx range (intermediate).
func (e *FtpError) Is3xx() bool {
	return e.Code >= 300 && e.Code < 400
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *FtpError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *FtpError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *FtpError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *FtpError) IsPermanent() bool {
	return e.Is5xx()
}

// InvalidArgumentError is returned for empty/"." paths and malformed
// configuration that is rejected before any wire traffic is sent.
type InvalidArgumentError struct {
	Argument string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("ftp: invalid argument %q: %s", e.Argument, e.Reason)
}

// NotLoggedInError is returned when an operation requiring an
// authenticated session is issued before Login has succeeded.
type NotLoggedInError struct {
	Op string
}

func (e *NotLoggedInError) Error() string {
	return fmt.Sprintf("ftp: %s: not logged in", e.Op)
}

// ProtocolParseError is returned when a reply could not be decoded by a
// typed extractor (e.g., a PWD reply without a quoted path, a PASV reply
// without six numeric octets).
type ProtocolParseError struct {
	Extractor string
	Input     string
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("ftp: %s: could not parse reply: %q", e.Extractor, e.Input)
}

// NoDataPortError is returned when both EPSV and PASV fail to yield a
// usable data-connection endpoint.
type NoDataPortError struct {
	EPSVError error
	PASVError error
}

func (e *NoDataPortError) Error() string {
	return fmt.Sprintf("ftp: no data port available (EPSV: %v, PASV: %v)", e.EPSVError, e.PASVError)
}

func (e *NoDataPortError) Unwrap() []error {
	return []error{e.EPSVError, e.PASVError}
}

// IoError wraps a socket read/write/connect failure. Encountering one
// always forces the owning session to disconnect.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("ftp: io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// TlsError wraps a TLS handshake or certificate-validation failure.
type TlsError struct {
	Op  string
	Err error
}

func (e *TlsError) Error() string {
	return fmt.Sprintf("ftp: tls error during %s: %v", e.Op, e.Err)
}

func (e *TlsError) Unwrap() error {
	return e.Err
}

// CancelledError wraps a context cancellation observed at a suspension
// point (socket connect, TLS handshake, a read/write, or the welcome-wait).
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("ftp: %s: cancelled: %v", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// wrapf annotates err with a stack-carrying cause using pkg/errors, unless
// err is nil. Used at component boundaries (resolver -> control stream ->
// session orchestrator) so a caller can still recover a typed error beneath
// via errors.As while getting a stack trace for unexpected failures.
func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
