// Command sessiongc runs the background session-store cleanup and
// registry key-rotation checks as a standalone process, for a
// deployment that wants them out of the main request-serving process.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaydenbeard/messaging-app/internal/config"
	"github.com/jaydenbeard/messaging-app/internal/registry"
	"github.com/jaydenbeard/messaging-app/internal/store"
)

func main() {
	cfg := config.Load()

	fileStore, err := store.NewFile(cfg.SessionStorePath)
	if err != nil {
		log.Fatalf("sessiongc: failed to open session store at %s: %v", cfg.SessionStorePath, err)
	}

	cleanup := store.NewCleanup(fileStore, store.DefaultCleanupInterval, store.DefaultSessionMaxAge)
	cleanup.Start()
	defer cleanup.Stop()

	reg := registry.NewRegistry()
	reg.SetSignedPrekeyRotationInterval(cfg.SignedPrekeyRotationInterval())
	reg.SetOneTimePrekeyPoolSize(cfg.OneTimePrekeyPoolSize, cfg.OneTimePrekeyPoolSize/5)

	rotation := registry.NewRotationScheduler(reg, cfg.SessionKeyRotationInterval())
	rotation.Start()
	defer rotation.Stop()

	log.Printf("sessiongc started: store=%s cleanupInterval=%v maxAge=%v rotationCheck=%v",
		cfg.SessionStorePath, store.DefaultCleanupInterval, store.DefaultSessionMaxAge, cfg.SessionKeyRotationInterval())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("sessiongc shutting down")
}
