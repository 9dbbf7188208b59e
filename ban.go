package rcon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Admin is a single row of the server's "admins" command response: an RCON admin currently
// connected to the server, identified by a locally-assigned ID and its IP address with port.
type Admin struct {
	ID   int
	Addr string
}

// Ban is a single row of the server's "bans" command response: a GUID or IP ban the server is
// currently enforcing.
type Ban struct {
	// Index is the position the server assigned this ban in its own ban list. It is the value
	// Session.Unban takes to remove the ban.
	Index int

	// ID is the banned BattlEye GUID or IP address.
	ID string

	// Duration is the ban's remaining duration in minutes. Expired points to -1, and a permanent
	// ban leaves Duration nil.
	Duration *int

	Reason string
}

// adminsRowPattern matches a single row of the "admins" command's tabular response, e.g.:
//
//	0   127.0.0.1:2310
var adminsRowPattern = regexp.MustCompile(`(?P<id>\d+) +(?P<addr>.*?:\d+)`)

// parseAdmins parses the full text response to an "admins" command into a slice of Admin values.
func parseAdmins(response string) []Admin {
	var admins []Admin
	for _, m := range adminsRowPattern.FindAllStringSubmatch(response, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		admins = append(admins, Admin{ID: id, Addr: m[2]})
	}
	return admins
}

// bansRowPattern matches a single row of the "bans" command's tabular response, e.g.:
//
//	0   bc33a05ee99d8be68ca4216a41aa8bad   0   Banned by admin
//	1   127.0.0.1   perm   Banned by admin
//	2   127.0.0.1   -   Banned by admin
var bansRowPattern = regexp.MustCompile(
	`(?P<index>\d+) +(?P<id>[\w.]+) +(?P<duration>\d+|-|perm) +(?P<reason>.*)`,
)

// parseBans parses the full text response to a "bans" command into a slice of Ban values. A
// duration of "-" (an expired ban still listed by the server) becomes -1, and "perm" becomes a
// nil Duration denoting a permanent ban.
func parseBans(response string) []Ban {
	var bans []Ban
	for _, m := range bansRowPattern.FindAllStringSubmatch(response, -1) {
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		var duration *int
		switch m[3] {
		case "perm":
			duration = nil
		case "-":
			expired := -1
			duration = &expired
		default:
			minutes, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			duration = &minutes
		}

		bans = append(bans, Ban{
			Index:    index,
			ID:       m[2],
			Duration: duration,
			Reason:   strings.TrimSpace(m[4]),
		})
	}
	return bans
}

// FetchAdmins requests the list of RCON admins currently connected to the server.
func (s *Session) FetchAdmins(ctx context.Context) ([]Admin, error) {
	response, err := s.SendCommand(ctx, "admins")
	if err != nil {
		return nil, err
	}
	return parseAdmins(response), nil
}

// FetchBans requests the server's current list of GUID/IP bans.
func (s *Session) FetchBans(ctx context.Context) ([]Ban, error) {
	response, err := s.SendCommand(ctx, "bans")
	if err != nil {
		return nil, err
	}
	return parseBans(response), nil
}

// Ban bans the player currently occupying playerID, as reported by the "players" command. Unlike
// BanAddr, this only works while the player is still connected; banning a GUID or IP address that
// has since disconnected requires BanAddr instead.
//
// duration is in minutes; a duration of 0 bans permanently, matching the server's own "ban"
// command syntax.
func (s *Session) Ban(ctx context.Context, playerID int, duration int, reason string) (string, error) {
	return s.SendCommand(ctx, banCommand("ban", strconv.Itoa(playerID), duration, reason))
}

// BanAddr bans a BattlEye GUID or bare IP address (without port), whether or not that player is
// currently connected.
//
// duration is in minutes; a duration of 0 bans permanently.
func (s *Session) BanAddr(ctx context.Context, addr string, duration int, reason string) (string, error) {
	return s.SendCommand(ctx, banCommand("addBan", addr, duration, reason))
}

func banCommand(name, addr string, duration int, reason string) string {
	command := fmt.Sprintf("%s %s %d", name, addr, duration)
	if reason != "" {
		command += " " + reason
	}
	return command
}

// Unban removes the ban identified by banID, as reported by Ban.Index in a prior FetchBans call.
func (s *Session) Unban(ctx context.Context, banID int) (string, error) {
	return s.SendCommand(ctx, fmt.Sprintf("removeBan %d", banID))
}
