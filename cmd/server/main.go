/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation accounting server. Handles
  configuration, dependency wiring, leader election, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store and catalog caches
  3. Create the accounting processor
  4. Start the leader coordinator (or run standalone)
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: accounting.db)
               Use ":memory:" for an in-memory database
  -redis       Redis address for leader election (default: 127.0.0.1:6379)
  -addr        This node's externally reachable address, published while
               it leads (default: http://localhost:<port>)
  -standalone  Skip leader election and run the processor unconditionally

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the coordinator: drain the processor, force a final
     synchronization, release the lease
  3. Close the database connection
  4. Exit

EXAMPLES:
  # Single node, no redis
  ./server -standalone -db="./data/accounting.db"

  # Clustered
  ./server -redis=10.0.0.5:6379 -addr=http://node1:8080

SEE ALSO:
  - api/server.go: Router configuration
  - leader/coordinator.go: Election loop
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/warp/allocation-engine/accounting"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/catalog"
	"github.com/warp/allocation-engine/leader"
	"github.com/warp/allocation-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "accounting.db", "SQLite database path")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis address for leader election")
	selfAddr := flag.String("addr", "", "This node's published address (default http://localhost:<port>)")
	standalone := flag.Bool("standalone", false, "Skip leader election")
	flag.Parse()

	if *selfAddr == "" {
		*selfAddr = fmt.Sprintf("http://localhost:%d", *port)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	products := catalog.NewProductCache(store)
	projects := catalog.NewProjectCache(store)

	proc := accounting.NewProcessor(
		accounting.NewStore(products, projects),
		store,
		accounting.NopNotifier{},
		accounting.Config{},
	)

	var client leader.Client
	if !*standalone {
		client = leader.NewGoRedisClient(*redisAddr)
	}
	coord := leader.NewCoordinator(client, proc, *selfAddr, leader.Config{
		DisableElection: *standalone,
	})

	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Coordinator failed: %v", err)
		}
	}()

	// Create router
	handler := api.NewHandler(proc, coord)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] forced shutdown: %v", err)
	}

	// The coordinator drains the processor, forces a final synchronization
	// and releases the lease on its way out.
	stop()
	wg.Wait()

	log.Println("[Server] stopped")
}
