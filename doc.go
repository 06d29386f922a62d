// Package ftp implements an FTP client (RFC 959) with EPSV (RFC 2428),
// FEAT feature negotiation (RFC 2389), MLSD/MLST machine-readable listings
// (RFC 3659), and explicit/implicit FTPS (RFC 4217).
//
// # Overview
//
// Every blocking operation has a Context-accepting form (DialContext,
// LoginContext, StoreContext, ...) and a convenience wrapper that calls
// context.Background(). Cancelling the context at any suspension point
// (connect, TLS handshake, a socket read/write) surfaces as a *CancelledError
// and forces the session to disconnect if protocol state was left partial.
//
// # Basic Usage
//
//	client, err := ftp.Dial("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS Support
//
// Explicit TLS (recommended): connect on port 21, then upgrade with AUTH TLS.
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Implicit TLS: connect directly with TLS, typically on port 990.
//
//	client, err := ftp.Dial("ftp.example.com:990",
//	    ftp.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// By default the PBSZ/PROT exchange during the explicit-TLS upgrade is
// best-effort (its replies are ignored); use WithStrictFTPS to require 200.
//
// # Directory Listings
//
// List picks MLSD or the legacy LIST grammar once, right after login,
// based on the server's FEAT response:
//
//	entries, err := client.List("/pub")
//
// # File Transfers
//
//	err := client.Store("remote.txt", file)
//	err := client.Retrieve("remote.txt", file)
//
// WithBandwidthLimit shapes Store/Retrieve/Append throughput with a
// token-bucket limiter.
//
// # Error Handling
//
// Operations return typed errors: *FtpError for a protocol-level failure
// (carries Command/Response/Code and Is2xx/.../IsTemporary/IsPermanent
// helpers), *IoError and *TlsError for transport failures, *NoDataPortError
// when both EPSV and PASV fail to yield a data port, and *CancelledError for
// context cancellation.
//
//	if err := client.Store("file.txt", reader); err != nil {
//	    var fe *ftp.FtpError
//	    if errors.As(err, &fe) {
//	        fmt.Printf("%s failed: %s (code %d)\n", fe.Command, fe.Response, fe.Code)
//	    }
//	}
package ftp
