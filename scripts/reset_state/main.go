// reset_state rewrites the engine's JSON snapshot as a clean slate: no
// active trade, no pending verifications, portfolio reseeded at the
// configured account value. The previous snapshot is kept as a .bak file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
	"github.com/anirbansen/tradepulse/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	force := flag.Bool("force", false, "reset even when the snapshot holds an active trade")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Failed to resolve timezone: %v", err)
	}
	path := cfg.Storage.Path

	if _, err := os.Stat(path); err == nil {
		current, err := storage.NewJSONStore(path)
		if err != nil {
			log.Fatalf("Failed to read snapshot %s: %v", path, err)
		}
		if t := current.ActiveTrade(); t != nil {
			if !*force {
				log.Fatalf("snapshot holds an active trade (%s %s, status %s); close it first or pass -force",
					t.TradeID, t.ScripCode, t.Status)
			}
			fmt.Printf("⚠️  discarding active trade %s (%s, status %s)\n", t.TradeID, t.ScripCode, t.Status)
		}
		backup := path + ".bak"
		if err := os.Rename(path, backup); err != nil {
			log.Fatalf("Failed to back up snapshot: %v", err)
		}
		fmt.Printf("📄 Previous snapshot moved to %s\n", backup)
	} else if !os.IsNotExist(err) {
		log.Fatalf("Failed to stat snapshot: %v", err)
	}

	fresh, err := storage.NewJSONStore(path)
	if err != nil {
		log.Fatalf("Failed to create snapshot: %v", err)
	}
	session := time.Now().In(loc).Format("2006-01-02")
	if err := fresh.SetPortfolio(models.NewPortfolioState(cfg.Trading.AccountValue, session)); err != nil {
		log.Fatalf("Failed to write snapshot: %v", err)
	}

	fmt.Printf("✅ Clean snapshot written to %s\n", path)
	fmt.Printf("   account value %.2f, session %s\n", cfg.Trading.AccountValue, session)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the .bak file if anything looks off")
	fmt.Println("  2. Restart the engine; recovery starts from the clean slate")
}
