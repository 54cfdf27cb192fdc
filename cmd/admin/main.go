package main

import (
	"fmt"
	"os"
)

const usage = `usage: admin <command> [flags]

local database:
  users                     list players
  create-player             create a password player
  chips    -user ID         list a player's chips
  deferred -user ID         list a player's queued deferred actions
  flush    -user ID         drop deferred actions already due without running them
  audit    -file PATH       print one audit log file

running server (loopback only):
  advance  -user ID -seconds N
  rewind   -user ID -seconds N
  process  -user ID         run due deferred actions now
`

func main() {
	cmd := "users"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "users":
		usersCmd(args)
	case "create-player":
		createPlayerCmd(args)
	case "chips":
		chipsCmd(args)
	case "deferred":
		deferredCmd(args)
	case "flush":
		flushCmd(args)
	case "audit":
		auditCmd(args)
	case "advance":
		timeShiftCmd("advance_game", args)
	case "rewind":
		timeShiftCmd("rewind_game", args)
	case "process":
		processCmd(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func fail(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}
