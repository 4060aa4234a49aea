// Package command implements the line-oriented control socket: CI
// results, free-text announcements and the privileged shutdown.
package command

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("malformed command")
	// ErrUnauthorized is returned for a privileged command from a remote peer.
	ErrUnauthorized = errors.New("command not allowed from this peer")
)

type Kind int

const (
	KindCISuccess Kind = iota + 1
	KindCIFailure
	KindSay
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindCISuccess:
		return "ci:success"
	case KindCIFailure:
		return "ci:failure"
	case KindSay:
		return "rakaur:say"
	case KindShutdown:
		return "rakaur:die"
	default:
		return "unknown"
	}
}

// Message is a parsed command. Which fields are set depends on Kind.
type Message struct {
	Kind        Kind
	Ref         string
	Description string
	Duration    int // seconds
	Text        string
}

type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Parse tokenizes line on whitespace and decodes it.
//
//	ci:success <ref> <description...> <duration> <unused>
//	ci:failure <ref> <description...> <duration> <unused>
//	rakaur:say <text...>
//	rakaur:die
func Parse(line string) (Message, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Message{}, &ParseError{Line: line, Reason: "empty line"}
	}

	switch tokens[0] {
	case "ci:success", "ci:failure":
		return parseCI(line, tokens)
	case "rakaur:say":
		text := strings.Join(tokens[1:], " ")
		if text == "" {
			return Message{}, &ParseError{Line: line, Reason: "nothing to say"}
		}
		return Message{Kind: KindSay, Text: text}, nil
	case "rakaur:die":
		return Message{Kind: KindShutdown}, nil
	default:
		return Message{}, &ParseError{Line: line, Reason: fmt.Sprintf("unknown command %q", tokens[0])}
	}
}

func parseCI(line string, tokens []string) (Message, error) {
	// command, ref, at least one description word, duration, trailer
	if len(tokens) < 5 {
		return Message{}, &ParseError{Line: line, Reason: fmt.Sprintf("want at least 5 tokens, got %d", len(tokens))}
	}
	secs, err := strconv.ParseFloat(tokens[len(tokens)-2], 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return Message{}, &ParseError{Line: line, Reason: fmt.Sprintf("bad duration %q", tokens[len(tokens)-2])}
	}

	kind := KindCISuccess
	if tokens[0] == "ci:failure" {
		kind = KindCIFailure
	}
	return Message{
		Kind:        kind,
		Ref:         tokens[1],
		Description: strings.Join(tokens[2:len(tokens)-2], " "),
		Duration:    int(secs),
	}, nil
}

// Authorize rejects Shutdown unless peer is a loopback address.
func Authorize(msg Message, peer net.Addr) error {
	if msg.Kind != KindShutdown {
		return nil
	}
	if !isLoopback(peer) {
		return ErrUnauthorized
	}
	return nil
}

func isLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
