package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rodaine/table"

	"roverworld.ai/internal/boot"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/game"
	auditlog "roverworld.ai/internal/persistence/log"
	"roverworld.ai/internal/persistence/store"
)

type dbFlags struct {
	configDir, dataDir, driver, dsn *string
}

func addDBFlags(fs *flag.FlagSet) dbFlags {
	return dbFlags{
		configDir: fs.String("configs", "./configs", "config directory"),
		dataDir:   fs.String("data", "./data", "runtime data directory"),
		driver:    fs.String("db_driver", "sqlite", "storage dialect: sqlite or pgx"),
		dsn:       fs.String("db_dsn", "", "storage dsn (default: <data>/roverworld.db for sqlite)"),
	}
}

func (f dbFlags) open() *boot.Runtime {
	rt, err := boot.Open(context.Background(), boot.Config{
		ConfigDir: *f.configDir,
		DataDir:   *f.dataDir,
		DBDriver:  *f.driver,
		DBDSN:     *f.dsn,
		Logger:    log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		fail("open", err)
	}
	return rt
}

func requireUser(user string) {
	if strings.TrimSpace(user) == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(2)
	}
}

func stamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05.000000") }

func usersCmd(args []string) {
	fs := flag.NewFlagSet("users", flag.ExitOnError)
	db := addDBFlags(fs)
	_ = fs.Parse(args)

	rt := db.open()
	defer rt.Close()
	players, err := rt.Game.ListPlayers(context.Background())
	if err != nil {
		fail("list", err)
	}
	t := table.New("User", "Email", "Name", "Valid", "Epoch", "Last Accessed")
	for _, p := range players {
		last := "-"
		if p.LastAccessed != nil {
			last = stamp(*p.LastAccessed)
		}
		t.AddRow(p.UserID, p.Email, p.Name, p.Valid, stamp(p.Epoch), last)
	}
	t.Print()
}

func createPlayerCmd(args []string) {
	fs := flag.NewFlagSet("create-player", flag.ExitOnError)
	db := addDBFlags(fs)
	email := fs.String("email", "", "login email")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	password := fs.String("password", "", "password")
	valid := fs.Bool("valid", true, "mark the player validated")
	_ = fs.Parse(args)

	rt := db.open()
	defer rt.Close()
	userID, err := rt.Game.CreatePlayer(context.Background(), game.NewPlayer{
		Email:     strings.TrimSpace(*email),
		FirstName: *first,
		LastName:  *last,
		Password:  *password,
		Valid:     *valid,
	})
	if err != nil {
		rt.Close()
		fail("create player", err)
	}
	fmt.Println(userID)
}

func chipsCmd(args []string) {
	fs := flag.NewFlagSet("chips", flag.ExitOnError)
	db := addDBFlags(fs)
	user := fs.String("user", "", "user id")
	since := fs.Int64("since", 0, "only chips after this time (unix microseconds)")
	future := fs.Bool("future", false, "include chips not yet visible to the client")
	_ = fs.Parse(args)
	requireUser(*user)

	rt := db.open()
	defer rt.Close()
	err := rt.DB.Run(context.Background(), func(c *store.Ctx) error {
		before := clock.Micros(c.Now())
		if *future {
			before = math.MaxInt64
		}
		cs, err := rt.Game.Bus().Fetch(c, *user, *since, before, true)
		if err != nil {
			return err
		}
		t := table.New("Seq", "Time", "Action", "Path", "Transient")
		for _, ch := range cs {
			t.AddRow(ch.Seq, stamp(clock.FromMicros(ch.Time)), ch.Action, strings.Join(ch.Path, "."), ch.Transient)
		}
		t.Print()
		return nil
	})
	if err != nil {
		rt.Close()
		fail("chips", err)
	}
}

func deferredCmd(args []string) {
	fs := flag.NewFlagSet("deferred", flag.ExitOnError)
	db := addDBFlags(fs)
	user := fs.String("user", "", "user id")
	_ = fs.Parse(args)
	requireUser(*user)

	rt := db.open()
	defer rt.Close()
	err := rt.DB.Run(context.Background(), func(c *store.Ctx) error {
		rows, err := rt.Game.Queue().Pending(c, *user)
		if err != nil {
			return err
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].RunAt < rows[j].RunAt })
		now := c.Now()
		t := table.New("ID", "Type", "Subtype", "Run At", "Due In")
		for _, r := range rows {
			t.AddRow(r.ID, r.Type, r.Subtype, stamp(r.RunAtTime()), dueIn(r, now))
		}
		t.Print()
		return nil
	})
	if err != nil {
		rt.Close()
		fail("deferred", err)
	}
}

func dueIn(r deferred.Row, now time.Time) string {
	d := r.RunAtTime().Sub(now)
	if d <= 0 {
		return "due"
	}
	return d.Truncate(time.Second).String()
}

func flushCmd(args []string) {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	db := addDBFlags(fs)
	user := fs.String("user", "", "user id")
	_ = fs.Parse(args)
	requireUser(*user)

	rt := db.open()
	defer rt.Close()
	var n int64
	err := rt.DB.Run(context.Background(), func(c *store.Ctx) error {
		var err error
		n, err = rt.Game.Queue().Flush(c, *user, c.Now())
		return err
	})
	if err != nil {
		rt.Close()
		fail("flush", err)
	}
	fmt.Printf("flushed %d deferred actions\n", n)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	path := fs.String("file", "", "audit-YYYY-MM-DD-HH.jsonl.zst file")
	user := fs.String("user", "", "only entries for this user")
	_ = fs.Parse(args)
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}

	entries, err := auditlog.ReadAudit(*path)
	t := table.New("Time", "Kind", "User", "Fields")
	for _, e := range entries {
		if *user != "" && e.UserID != *user {
			continue
		}
		t.AddRow(stamp(e.Time), e.Kind, e.UserID, formatFields(e.Fields))
	}
	t.Print()
	if err != nil {
		fail("read audit", err)
	}
}

func formatFields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}
