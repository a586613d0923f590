// probe_broker exercises the live 5paisa adapter end to end without placing
// orders: login, margin, net positions and optionally one order lookup. Run
// it after credential changes before trusting the engine with a live session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/broker"
	"github.com/anirbansen/tradepulse/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	orderID := flag.String("order", "", "optional broker order id to look up")
	flag.Parse()

	fmt.Println("=== 5paisa Broker Probe ===")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Broker.APIKey == "" || cfg.Broker.ClientCode == "" {
		log.Fatalf("broker credentials missing; set broker.api_key and broker.client_code")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	live := broker.NewLiveBroker(cfg.Broker, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Client: %s\n", maskClientCode(cfg.Broker.ClientCode))
	fmt.Printf("Base URL: %s\n", cfg.Broker.BaseURL)
	fmt.Println()

	passed := 0
	total := 3

	fmt.Println("Test 1: Session Login")
	fmt.Println(strings.Repeat("=", 21))
	token, err := live.SessionToken(ctx)
	if err != nil {
		fmt.Printf("❌ login failed: %v\n", err)
	} else {
		fmt.Printf("✓ session token issued (%d chars)\n", len(token))
		passed++
	}
	fmt.Println()

	fmt.Println("Test 2: Margin")
	fmt.Println(strings.Repeat("=", 14))
	balance, err := live.Balance(ctx)
	if err != nil {
		fmt.Printf("❌ margin fetch failed: %v\n", err)
	} else {
		fmt.Printf("✓ available margin: %.2f\n", balance)
		passed++
	}
	fmt.Println()

	fmt.Println("Test 3: Net Positions")
	fmt.Println(strings.Repeat("=", 21))
	positions, err := live.Positions(ctx)
	if err != nil {
		fmt.Printf("❌ positions fetch failed: %v\n", err)
	} else {
		fmt.Printf("✓ %d open position(s)\n", len(positions))
		for _, p := range positions {
			fmt.Printf("  %s %s qty %d avg %.2f ltp %.2f\n", p.Exchange, p.ScripCode, p.Qty, p.AvgPrice, p.LastPrice)
		}
		passed++
	}
	fmt.Println()

	if *orderID != "" {
		total++
		fmt.Println("Test 4: Order Lookup")
		fmt.Println(strings.Repeat("=", 20))
		status, err := live.OrderStatus(ctx, *orderID)
		if err != nil {
			fmt.Printf("❌ order lookup failed: %v\n", err)
		} else {
			fmt.Printf("✓ order %s: %s, filled %d at avg %.2f, pending %d\n",
				status.OrderID, status.State, status.FilledQty, status.AvgFillPrice, status.PendingQty)
			passed++
		}
		fmt.Println()
	}

	fmt.Printf("=== Probe Results: %d/%d ===\n", passed, total)
	if passed != total {
		os.Exit(1)
	}
}

func maskClientCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:2] + strings.Repeat("*", len(code)-4) + code[len(code)-2:]
}
