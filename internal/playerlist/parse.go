// Package playerlist extracts player names from the free-text reply to the
// console "list" command.
package playerlist

import (
	"regexp"
	"strconv"
	"strings"
)

// Known shapes:
//
//	There are 3/20 players online: Steve, Alex, Notch
//	There are 3 of a max of 20 players online: Steve, Alex, Notch
var listPattern = regexp.MustCompile(`(?is)there are (\d+)(?:/| of a max of )(\d+) players online:?\s*(.*)`)

// formatting codes such as "§a" that some servers leave in replies
var formatCode = regexp.MustCompile(`§.`)

// Parse returns the player names in reply, in the order they appear. Replies
// in an unrecognized shape yield an empty list. The result is never nil.
func Parse(reply string) []string {
	players := []string{}
	if reply == "" {
		return players
	}
	m := listPattern.FindStringSubmatch(formatCode.ReplaceAllString(reply, ""))
	if m == nil {
		return players
	}
	if n, err := strconv.Atoi(m[1]); err == nil && n == 0 {
		return players
	}
	for _, name := range strings.Split(m[3], ",") {
		if name = strings.TrimSpace(name); name != "" {
			players = append(players, name)
		}
	}
	return players
}

// Counts returns the online and maximum player counts from reply.
func Counts(reply string) (online, limit int, ok bool) {
	m := listPattern.FindStringSubmatch(formatCode.ReplaceAllString(reply, ""))
	if m == nil {
		return 0, 0, false
	}
	online, err1 := strconv.Atoi(m[1])
	limit, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return online, limit, true
}
