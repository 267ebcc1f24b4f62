// lobbycli is a terminal client for poking at a relayd node: host or join
// a session, chat, toggle readiness, and watch a rival's move telemetry
// reconcile.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"relaylobby/internal/config"
	"relaylobby/internal/lobby"
	"relaylobby/internal/pipeline"
	"relaylobby/internal/reconcile"
	"relaylobby/internal/transport"
)

func main() {
	var (
		relayURL = flag.String("relay", "http://localhost:8080", "relayd base URL")
		account  = flag.String("account", "", "funding account id (required)")
		name     = flag.String("name", "", "create a session with this name")
		join     = flag.String("join", "", "join a session by anchor or code")
		display  = flag.String("display", "anon", "display name")
	)
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *account == "" {
		fmt.Fprintln(os.Stderr, "usage: lobbycli -account ID (-name NAME | -join ANCHOR)")
		os.Exit(2)
	}
	cfg := config.Load(log)

	ctx := context.Background()
	client, err := transport.Dial(ctx, *relayURL, *account, log)
	if err != nil {
		log.Fatal("dialing relay", zap.Error(err))
	}
	defer client.Close()

	coord := lobby.New(client, pipeline.DefaultConfig(), log)
	defer coord.Close()

	switch {
	case *name != "":
		sess, err := coord.Create(ctx, *name, *display, lobby.MaxMembers)
		if err != nil {
			log.Fatal("creating session", zap.Error(err))
		}
		fmt.Printf("hosting %q — join code %s\n", sess.Name, sess.JoinCode)
	case *join != "":
		sess, err := coord.Join(ctx, *join, *display)
		if err != nil {
			log.Fatal("joining session", zap.Error(err))
		}
		fmt.Printf("joined %q with %d members\n", sess.Name, len(sess.Members))
	default:
		stop, err := coord.StartSearch("")
		if err != nil {
			log.Fatal("searching", zap.Error(err))
		}
		defer stop()
		fmt.Println("searching for open sessions; ctrl-c to quit")
	}

	rivals := make(map[string]*reconcile.Reconciler)
	rcfg := reconcile.Config{StartingCoins: cfg.StartingCoins, CoinValue: cfg.CoinValue}

	go func() {
		for ev := range coord.Events() {
			switch e := ev.(type) {
			case lobby.Found:
				fmt.Printf("found %q (%d/%d) — anchor %s\n", e.Match.Name, e.Match.Members, e.Match.MaxMembers, e.Match.Anchor)
			case lobby.MemberJoined:
				fmt.Printf("* %s joined\n", e.Member.DisplayName)
			case lobby.MemberLeft:
				fmt.Printf("* %s left\n", e.MemberID)
			case lobby.ChatMessage:
				fmt.Printf("<%s> %s\n", e.From, e.Text)
			case lobby.ReadyChanged:
				fmt.Printf("* %s ready=%v\n", e.From, e.Ready)
			case lobby.GameStarted:
				fmt.Printf("* game %s started (seed %d)\n", e.GameID, e.Seed)
			case lobby.GameAborted:
				fmt.Printf("* game aborted: %s\n", e.Reason)
			case lobby.Closed:
				fmt.Printf("* session closed: %s\n", e.Reason)
				os.Exit(0)
			case lobby.Error:
				fmt.Printf("! %s failed: %v\n", e.Op, e.Err)
			}
		}
	}()

	// Stdin: /ready, /start, /abort, /quit, /move {json}, anything else is chat.
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			coord.Leave(ctx, "quit")
			return
		case line == "/ready":
			if !coord.SendReadyState(ctx, true) {
				fmt.Println("! readiness not delivered")
			}
		case line == "/start":
			if err := coord.StartGame(ctx, lobby.GameStartData{GameID: "demo", Seed: 1}); err != nil {
				fmt.Printf("! start failed: %v\n", err)
			}
		case line == "/abort":
			if err := coord.AbortGame(ctx, "operator abort"); err != nil {
				fmt.Printf("! abort failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/move "):
			var ev reconcile.MoveEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "/move ")), &ev); err != nil {
				fmt.Printf("! bad move event: %v\n", err)
				continue
			}
			r, ok := rivals[ev.Actor]
			if !ok {
				r = reconcile.New(ev.Actor, rcfg, log)
				rivals[ev.Actor] = r
			}
			if ch := r.Apply(ev); ch != nil {
				fmt.Printf("* %s: coins=%d progress=%.2f endedNow=%v\n", ev.Actor, ch.Coins, ch.Progress, ch.EndedNow)
			} else {
				fmt.Printf("* %s: no-op (duplicate or ended)\n", ev.Actor)
			}
		default:
			if err := coord.SendChat(ctx, line); err != nil {
				fmt.Printf("! chat not delivered: %v\n", err)
			}
		}
	}
}
