package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"roverworld.ai/internal/protocol"
)

func timeShiftCmd(route string, args []string) {
	fs := flag.NewFlagSet(route, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	user := fs.String("user", "", "user id")
	seconds := fs.Int64("seconds", 0, "seconds to shift by")
	_ = fs.Parse(args)
	requireUser(*user)
	if *seconds <= 0 {
		fmt.Fprintln(os.Stderr, "-seconds must be positive")
		os.Exit(2)
	}
	post(*baseURL, route, protocol.TimeShiftReq{UserID: *user, Seconds: *seconds})
}

func processCmd(args []string) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	user := fs.String("user", "", "user id")
	_ = fs.Parse(args)
	requireUser(*user)
	post(*baseURL, "process_deferred", protocol.UserReq{UserID: *user})
}

func post(baseURL, route string, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		fail("encode", err)
	}
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/" + route
	cl := &http.Client{Timeout: 30 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(b))
	if err != nil {
		fail("request", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(out))
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		os.Exit(1)
	}
}
