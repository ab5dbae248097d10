// festivair-bot is a scripted peer for exercising a running node on the same
// machine: it joins the squad, chats, shares a position and goes quiet so the
// dashboard's presence transitions can be watched end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/config"
	"github.com/surfhero25/festivair-sub001/internal/core"
	"github.com/surfhero25/festivair-sub001/internal/node"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/store"
)

func main() {
	cfg, err := config.New("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.MeshPort = 9002
	cfg.Nick = "FestivalBot"
	cfg.DatabaseFile = fmt.Sprintf("festivair_%d.db", cfg.MeshPort)
	cfg.IdentityFile = fmt.Sprintf("identity_%d.json", cfg.MeshPort)
	if cfg.SquadID == "" {
		cfg.SquadID = "demo-squad"
		cfg.SquadJoinCode = "demo-code"
	}
	target := "127.0.0.1:9000"

	db, err := store.Init(cfg.DatabaseFile)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	id, err := core.LoadOrGenerateIdentity(cfg.IdentityFile)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	keys := core.NewKeyring()
	if err := keys.AddSquad(cfg.SquadID, cfg.SquadJoinCode); err != nil {
		log.Fatalf("Failed to derive squad key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := node.New(cfg, db, id, keys,
		node.WithLogger(observability.NewLogger(cfg.LogLevel)),
		node.WithSampler(node.NewDeviceSampler(4, 85, false)),
	)

	fmt.Printf("Bot starting on port %d...\n", cfg.MeshPort)
	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	time.Sleep(2 * time.Second)
	fmt.Printf("Connecting to %s...\n", target)
	if err := n.Connect(target); err != nil {
		log.Printf("Failed to connect (is the main app running?): %v", err)
		return
	}

	time.Sleep(2 * time.Second)
	if _, err := n.PublishChat("Hey squad, bot here. Main stage in 10!"); err != nil {
		log.Printf("Failed to publish chat: %v", err)
	}
	if err := n.PublishLocation(51.9719, 5.6653, 8, "gps"); err != nil {
		log.Printf("Failed to publish location: %v", err)
	}
	if err := n.SetStatus("dancing"); err != nil {
		log.Printf("Failed to set status: %v", err)
	}

	fmt.Println("Staying online for 30 seconds (watch 'FestivalBot' in the roster)...")
	time.Sleep(30 * time.Second)

	fmt.Println("Bot shutting down (the roster entry should fade to offline)...")
}
