package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrAuthRequired is returned when the server wants credentials that were
// not configured.
var ErrAuthRequired = errors.New("socks5: server requires username/password")

// Auth holds optional username/password credentials.
type Auth struct {
	Username string
	Password string
}

// ClientDial negotiates with the SOCKS5 server on conn and asks it to
// connect to address.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	if err := ClientNegotiate(conn, auth); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 negotiation reply: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return ErrAuthRequired
		}
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return fmt.Errorf("socks5 auth: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("socks5 auth reply: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return errors.New("socks5: authentication failed")
		}
		return nil
	}
	return fmt.Errorf("socks5: unsupported method %#x", neg.Method)
}

// ClientConnect sends a CONNECT for address and waits for the reply.
func ClientConnect(conn net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5 address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// ParseAddress prefixes domains with their length, NewRequest adds
		// it again.
		dstAddr = dstAddr[1:]
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 connect: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("socks5: connect to %s failed with reply %#x", address, rep.Rep)
	}
	return nil
}
