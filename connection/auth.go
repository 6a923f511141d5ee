package connection

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"

	"spilled.ink/imapcore/wire"
)

// Login issues the plain-text LOGIN command, the common-case
// Authentication path (spec §6's Source.get_extension("Authentication")
// describes method/user/proxy-uid; LOGIN is the "password" method).
// Credentials are redacted from the wire trace by maskLoginLine.
func (c *Connection) Login(user, pass string) error {
	resp, err := c.SendCommand(nil, "", "LOGIN %S %S", user, pass)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Authenticate drives an AUTHENTICATE exchange for mech using client,
// the path taken when the server advertises LOGINDISABLED or the
// embedder otherwise prefers SASL over LOGIN.
func (c *Connection) Authenticate(mech string, client sasl.Client) error {
	_, ir, err := client.Start()
	if err != nil {
		return wire.NewLogical("connection: sasl start: " + err.Error())
	}

	var g *Guard
	var tag string
	if len(ir) > 0 {
		g, tag, err = c.SendCommandStart("AUTHENTICATE %s %s", mech, base64.StdEncoding.EncodeToString(ir))
	} else {
		g, tag, err = c.SendCommandStart("AUTHENTICATE %s", mech)
	}
	if err != nil {
		return err
	}

	for {
		ev, err := c.NextResponse(g, tag)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case wire.KindContinuation:
			challenge, decErr := base64.StdEncoding.DecodeString(string(ev.Text))
			if decErr != nil {
				return wire.NewProtocol("connection: invalid base64 AUTHENTICATE challenge", decErr)
			}
			response, nextErr := client.Next(challenge)
			if nextErr != nil {
				return wire.NewLogical("connection: sasl next: " + nextErr.Error())
			}
			line := base64.StdEncoding.EncodeToString(response)
			if err := c.SendContinuation(g, append([]byte(line), '\r', '\n')); err != nil {
				return err
			}
		case wire.KindTagged:
			return nil
		case wire.KindUntagged:
			// Capability or alert line mid-exchange; keep reading.
		}
	}
}
