package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// CmdConnect is the SOCKS5 CONNECT command.
const CmdConnect = txsocks5.CmdConnect

// ServerNegotiate runs the server side of method negotiation, requiring
// username/password when auth has a username.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 negotiation: %w", err)
	}

	if auth.Username == "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(conn)
			return errors.New("socks5: client does not offer no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return fmt.Errorf("socks5 negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(conn)
		return errors.New("socks5: client does not offer username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 negotiation reply: %w", err)
	}
	req, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 auth: %w", err)
	}
	if string(req.Uname) != auth.Username || string(req.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return errors.New("socks5: authentication failed")
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 auth reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's command.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5 request: %w", err)
	}
	return req, nil
}

// WriteSuccessReply reports a successful connect bound to localAddr.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("socks5 bound address %q: %w", localAddr, err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return nil
}

// WriteConnectionRefusedReply reports that the target refused the
// connection.
func WriteConnectionRefusedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepConnectionRefused, atyp).WriteTo(conn)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0, 0})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF means no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
