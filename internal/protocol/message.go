package protocol

import "strings"

// Terminator ends every line on the wire.
const Terminator = "\r\n"

// SenderCoordinator tags lines the coordinator sends to nodes.
const SenderCoordinator = "ECS"

// Message is one parsed line: an optional sender tag, a command token and
// the whitespace separated arguments. The raw body is kept so free-form
// trailing values survive with their spacing intact.
type Message struct {
	Sender  string
	Command string
	Args    []string

	body string
}

// Parse splits a line into a Message. A leading "ECS" token is taken as the
// sender tag.
func Parse(line string) Message {
	rest := strings.TrimLeft(line, " \t")
	first, rest := cut(rest)

	var m Message
	if first == SenderCoordinator {
		m.Sender = SenderCoordinator
		first, rest = cut(rest)
	}
	m.Command = first
	m.body = rest
	m.Args = strings.Fields(rest)
	return m
}

// FromCoordinator reports whether the line carried the coordinator tag.
func (m Message) FromCoordinator() bool {
	return m.Sender == SenderCoordinator
}

// Arg returns argument i or "" when absent.
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// NArgs returns the number of arguments.
func (m Message) NArgs() int {
	return len(m.Args)
}

// Rest returns everything after the first i arguments, preserving the
// original spacing inside the remainder.
func (m Message) Rest(i int) string {
	rest := m.body
	for n := 0; n < i; n++ {
		_, rest = cut(rest)
	}
	return rest
}

// Command returns the command token of a raw line, skipping a sender tag.
func Command(line string) string {
	return Parse(line).Command
}

// Line joins a command and its arguments with single spaces.
func Line(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// FromECS builds a coordinator tagged line.
func FromECS(command string, args ...string) string {
	return SenderCoordinator + " " + Line(command, args...)
}

// cut returns the first token and the remainder with its leading blanks removed.
func cut(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " \t")
}
