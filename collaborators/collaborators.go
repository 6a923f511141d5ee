// Package collaborators declares the embedder-supplied contracts the
// core consumes without depending on any concrete account/UI stack
// (spec §6's "collaborator interfaces"), plus the small amount of glue
// (authentication dispatch, TLS trust) that wires them to connection
// and folder.
package collaborators

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/emersion/go-sasl"

	"spilled.ink/imapcore/connection"
)

var (
	errNoPassword    = errors.New("collaborators: session declined to supply a password")
	errCertNotPinned = errors.New("collaborators: server certificate does not match the pinned fingerprint")
)

// Session is the user-facing half of an account: alerts and
// credential prompts (spec §6).
type Session interface {
	Alert(level, message string)
	BuildPasswordPrompt(service, user, domain string) string
	GetPassword(service, domain, prompt string, reprompt bool) (pass string, ok bool)
}

// Service is the account connection lifecycle: dial/auth/settings
// (spec §6).
type Service interface {
	Connect() error
	Disconnect(clean bool) error
	Settings() Source
}

// AuthMethod names how Authentication.Method selects between LOGIN and
// an AUTHENTICATE mechanism.
type AuthMethod int

const (
	AuthPassword AuthMethod = iota
	AuthPlain
)

// Authentication is the settings namespace Source.Authentication
// returns (spec §6).
type Authentication struct {
	Method  AuthMethod
	User    string
	ProxyID string
}

// SSLTrust is the settings namespace Source.SSLTrust returns for
// the Webdav-like SSL-trust extension (spec §6): a pinned certificate
// fingerprint accepted despite not chaining to a system root, the
// escape hatch self-signed IMAP servers need.
type SSLTrust struct {
	ServerName       string
	InsecureSkipVer  bool
	PinnedCertSHA256 []byte
}

// Source describes one account: its Authentication and SSLTrust
// settings namespaces (spec §6 "get_extension(name)").
type Source interface {
	Authentication() Authentication
	SSLTrust() SSLTrust
}

// TLSConfig builds a *tls.Config honoring an account's SSLTrust
// settings. A pinned certificate is verified by fingerprint in
// VerifyPeerCertificate rather than disabling verification outright,
// so a pin survives even when InsecureSkipVerify must also be set (a
// self-signed leaf fails normal chain verification regardless).
func TLSConfig(trust SSLTrust) *tls.Config {
	cfg := &tls.Config{ServerName: trust.ServerName}
	if trust.InsecureSkipVer {
		cfg.InsecureSkipVerify = true
	}
	if len(trust.PinnedCertSHA256) > 0 {
		pinned := append([]byte(nil), trust.PinnedCertSHA256...)
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if certSHA256Equal(raw, pinned) {
					return nil
				}
			}
			return errCertNotPinned
		}
	}
	return cfg
}

// Authenticate logs conn into the server using src's Authentication
// settings and the password session supplies, choosing LOGIN or an
// AUTHENTICATE mechanism per Authentication.Method and server
// capabilities (LOGINDISABLED forces a SASL mechanism even when
// AuthPassword was requested).
func Authenticate(conn *connection.Connection, session Session, src Source) error {
	auth := src.Authentication()
	pass, ok := session.GetPassword("imap", "", session.BuildPasswordPrompt("imap", auth.User, ""), false)
	if !ok {
		return errNoPassword
	}

	method := auth.Method
	if method == AuthPassword && conn.Capabilities().Has(connection.CapLoginDisabled) {
		method = AuthPlain
	}

	switch method {
	case AuthPlain:
		return conn.Authenticate("PLAIN", sasl.NewPlainClient(auth.ProxyID, auth.User, pass))
	default:
		return conn.Login(auth.User, pass)
	}
}

// certSHA256Equal reports whether raw's SHA-256 fingerprint equals pinned.
func certSHA256Equal(raw, pinned []byte) bool {
	sum := sha256.Sum256(raw)
	if len(pinned) != len(sum) {
		return false
	}
	for i := range sum {
		if sum[i] != pinned[i] {
			return false
		}
	}
	return true
}
