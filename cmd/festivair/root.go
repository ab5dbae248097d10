package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"github.com/surfhero25/festivair-sub001/internal/config"
	"github.com/surfhero25/festivair-sub001/internal/core"
	"github.com/surfhero25/festivair-sub001/internal/node"
	"github.com/surfhero25/festivair-sub001/internal/observability"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"github.com/surfhero25/festivair-sub001/internal/tui"
	"github.com/surfhero25/festivair-sub001/internal/utils"
	"github.com/surfhero25/festivair-sub001/internal/web"
)

var (
	configPath string
	meshPort   int
	webPort    int
	nick       string
	squadID    string
	joinCode   string
)

var rootCmd = &cobra.Command{
	Use:   "festivair",
	Short: "FestivAir squad mesh node",
	Long:  "FestivAir keeps festival squads connected over a local mesh when the cell network is saturated.",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mesh node, web API and dashboard",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().IntVarP(&meshPort, "port", "p", 0, "Mesh TCP/discovery port")
	startCmd.Flags().IntVarP(&webPort, "web-port", "w", 0, "Web interface port")
	startCmd.Flags().StringVarP(&nick, "nick", "n", "", "Display name")
	startCmd.Flags().StringVar(&squadID, "squad", "", "Squad to join")
	startCmd.Flags().StringVar(&joinCode, "join-code", "", "Squad join code (derives the message key)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	// Running several nodes on one laptop is the usual demo setup; follow the
	// mesh port so the default web port never collides.
	if cfg.MeshPort != 9000 && cfg.WebPort == 8080 {
		cfg.WebPort = 8080 + (cfg.MeshPort - 9000)
	}
	if err := checkPort(cfg.MeshPort); err != nil {
		return fmt.Errorf("mesh port %d is already in use", cfg.MeshPort)
	}
	if err := checkPort(cfg.WebPort); err != nil {
		return fmt.Errorf("web port %d is already in use", cfg.WebPort)
	}

	// The dashboard owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	log := observability.NewLogger(cfg.LogLevel, observability.WithWriter(logFile))
	metrics := observability.NewMetrics()

	db, err := store.Init(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	id, err := core.LoadOrGenerateIdentity(cfg.IdentityFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	keys := core.NewKeyring()
	if cfg.SquadID != "" {
		if err := keys.AddSquad(cfg.SquadID, cfg.SquadJoinCode); err != nil {
			return fmt.Errorf("derive squad key: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(cfg, db, id, keys,
		node.WithLogger(log),
		node.WithMetrics(metrics),
	)
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	webSrv := web.NewServer(db, n, cfg.WebPort, log)
	go func() {
		if err := webSrv.Start(ctx); err != nil {
			log.Error("web server stopped", "err", err)
		}
	}()

	obsSrv := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  log,
		Metrics: metrics,
	})
	go obsSrv.Run(ctx)

	printJoinQR(cfg.WebPort)

	if os.Getenv("FESTIVAIR_HEADLESS") == "true" {
		log.Info("running headless")
		<-ctx.Done()
		return nil
	}
	return tui.Start(db, n)
}

func applyFlags(cmd *cobra.Command, cfg *config.App) {
	if cmd.Flags().Changed("port") {
		cfg.MeshPort = meshPort
		// Separate state per node when sharing a working directory.
		cfg.DatabaseFile = fmt.Sprintf("festivair_%d.db", meshPort)
		cfg.IdentityFile = fmt.Sprintf("identity_%d.json", meshPort)
	}
	if cmd.Flags().Changed("web-port") {
		cfg.WebPort = webPort
	}
	if cmd.Flags().Changed("nick") {
		cfg.Nick = nick
	}
	if cmd.Flags().Changed("squad") {
		cfg.SquadID = squadID
	}
	if cmd.Flags().Changed("join-code") {
		cfg.SquadJoinCode = joinCode
	}
}

// printJoinQR prints a QR pointing phones at this node's web API.
func printJoinQR(webPort int) {
	ip, err := utils.GetOutboundIP()
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s:%d", ip, webPort)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println("\nSCAN TO FOLLOW YOUR SQUAD:")
	fmt.Println(qr.ToString(false))
	fmt.Println("URL:", url)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
