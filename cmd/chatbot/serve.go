package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/toankh-dev/chat-bot-sub001/internal/gateway"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
)

var serveDashboard bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateways",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDashboard, "dashboard", true, "show the live status bar when attached to a terminal")
}

func runServe(cmd *cobra.Command, args []string) error {
	dashboard := serveDashboard && observability.IsTerminal()
	if dashboard {
		observability.PrintBanner("chatbot")
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
	}

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	out := observability.NewTermWriter(os.Stdout)
	log.SetOutput(out)

	rt, err := newApp(out)
	if err != nil {
		return err
	}
	defer rt.Close()

	var gateways []gateway.Messenger
	if tgCfg, ok := rt.cfg.GetGatewayConfig("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, rt.orchestrator)
		if err != nil {
			return err
		}
		gateways = append(gateways, tg)
	}
	if dcCfg, ok := rt.cfg.GetGatewayConfig("discord"); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, rt.orchestrator)
		if err != nil {
			return err
		}
		gateways = append(gateways, dc)
	}
	if len(gateways) == 0 {
		return errors.New("no gateway is enabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dashboard {
		go tick(ctx, time.Second, observability.PrintLiveStatus)
	}
	go tick(ctx, 30*time.Second, func() {
		observability.Heartbeat()
		rt.logger.LogHeartbeat()
	})

	for _, g := range gateways {
		go func(g gateway.Messenger) {
			if err := g.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop()
			}
		}(g)
	}

	<-ctx.Done()

	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Error stopping gateway: %v", err)
		}
	}
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
	return nil
}

func tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
