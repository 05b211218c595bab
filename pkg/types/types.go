package types

import (
	"fmt"
	"strings"
)

// ServerID identifies a remote node by its normalized base URL
// (scheme://host[:port], no trailing slash).
type ServerID string

type PostURIID int64
type ContactID int64
type UserID int64

// NormalizeServerID lowercases scheme and host and strips any path or
// trailing slash so that "https://B.example/" and "https://b.example" map
// to the same health record.
func NormalizeServerID(raw string) (ServerID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server url cannot be empty")
	}

	scheme := "https"
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = strings.ToLower(raw[:i])
		rest = raw[i+3:]
	}
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", scheme)
	}

	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}

	return ServerID(scheme + "://" + strings.ToLower(rest)), nil
}

// Scope says whether a payload is addressed to everybody or to one user.
type Scope int

const (
	ScopePublic Scope = iota
	ScopePrivate
)

func (s Scope) String() string {
	switch s {
	case ScopePublic:
		return "public"
	case ScopePrivate:
		return "private"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Command is the closed set of actions federated to remote servers.
type Command string

const (
	CommandPost          Command = "post"
	CommandUpdate        Command = "update"
	CommandDelete        Command = "delete"
	CommandLike          Command = "like"
	CommandUnlike        Command = "unlike"
	CommandReshare       Command = "reshare"
	CommandFollow        Command = "follow"
	CommandUnfollow      Command = "unfollow"
	CommandMail          Command = "mail"
	CommandProfileUpdate Command = "profile_update"
	CommandRelocate      Command = "relocate"
	CommandRemoveAccount Command = "remove_account"
)

// AllCommands lists every Command in declaration order.
func AllCommands() []Command {
	return []Command{
		CommandPost,
		CommandUpdate,
		CommandDelete,
		CommandLike,
		CommandUnlike,
		CommandReshare,
		CommandFollow,
		CommandUnfollow,
		CommandMail,
		CommandProfileUpdate,
		CommandRelocate,
		CommandRemoveAccount,
	}
}

// ParseCommand maps a wire/CLI name onto a Command.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown command %q", s)
	}
	return c, nil
}

func (c Command) Valid() bool {
	_, err := c.scope()
	return err == nil
}

// Scope returns the default envelope visibility for the command. It panics
// on a value outside the closed set; use ParseCommand on untrusted input.
func (c Command) Scope() Scope {
	s, err := c.scope()
	if err != nil {
		panic(err)
	}
	return s
}

func (c Command) scope() (Scope, error) {
	switch c {
	case CommandPost, CommandUpdate, CommandDelete, CommandLike, CommandUnlike,
		CommandReshare, CommandProfileUpdate, CommandRemoveAccount:
		return ScopePublic, nil
	case CommandFollow, CommandUnfollow, CommandMail, CommandRelocate:
		return ScopePrivate, nil
	}
	return 0, fmt.Errorf("unknown command %q", string(c))
}

func (c Command) String() string { return string(c) }
