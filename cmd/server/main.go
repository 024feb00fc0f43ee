// Command server runs the federation core as a single binary: it opens
// the user and object stores, wires the inbound/outbound/readview
// pipelines, starts the delivery and stats workers, and serves the
// ActivityPub S2S, WebFinger, and NodeInfo surface over HTTP — the same
// shape main.go/app/app.go give the teacher's microblog, trimmed to this
// spec's scope (no SSH TUI, no RSS feed).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftpub/driftpub/config"
	"github.com/driftpub/driftpub/inbound"
	"github.com/driftpub/driftpub/objects"
	"github.com/driftpub/driftpub/objstore"
	"github.com/driftpub/driftpub/outbound"
	"github.com/driftpub/driftpub/readview"
	"github.com/driftpub/driftpub/users"
)

const (
	deliveryWorkerInterval = 10 * time.Second
	statsWorkerInterval    = 30 * time.Second
	shutdownTimeout        = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	createUsername := flag.String("create-user", "", "provision a new local account with this username, then exit")
	createDisplayName := flag.String("display-name", "", "display name for -create-user (defaults to the username)")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalln(err)
	}
	config.SetupLogging(conf.Conf.WithJournald)

	log.Printf("driftpub starting for domain %s", conf.Conf.Domain)

	userDB, err := users.Open(conf.Conf.UserDBPath)
	if err != nil {
		log.Fatalf("opening user store: %v", err)
	}
	defer userDB.Close()

	objectDB, err := objects.Open(conf.Conf.ObjectDBPath)
	if err != nil {
		log.Fatalf("opening object store: %v", err)
	}
	defer objectDB.Close()

	if *createUsername != "" {
		if err := createUser(context.Background(), userDB, conf.Conf.KeyRoot, *createUsername, *createDisplayName); err != nil {
			log.Fatalf("create-user: %v", err)
		}
		log.Printf("created user %q", *createUsername)
		os.Exit(0)
	}

	blobs, err := objstore.NewFileStore(conf.Conf.BlobRoot)
	if err != nil {
		log.Fatalf("opening blob store: %v", err)
	}
	quarantine, err := objstore.NewFileStore(conf.Conf.QuarantineDir)
	if err != nil {
		log.Fatalf("opening quarantine store: %v", err)
	}
	keystore, err := newFilePrivateKeyStore(conf.Conf.KeyRoot)
	if err != nil {
		log.Fatalf("opening key store: %v", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	limiter := outbound.NewHostLimiter()
	limiter.StartPruning(5 * time.Minute)

	inboundDeps := &inbound.Deps{
		Users:           userDB,
		Objects:         objectDB,
		Blobs:           blobs,
		QuarantineBlobs: quarantine,
		HTTPClient:      httpClient,
		Domain:          conf.Conf.Domain,
	}
	outboundDeps := &outbound.Deps{
		Users:      userDB,
		Objects:    objectDB,
		Blobs:      blobs,
		HTTPClient: httpClient,
		Domain:     conf.Conf.Domain,
		PrivateKey: keystore.Lookup,
		Limiter:    limiter,
	}
	readDeps := &readview.Deps{
		Users:     userDB,
		Objects:   objectDB,
		Blobs:     blobs,
		Domain:    conf.Conf.Domain,
		PageSizes: conf.Conf.PageSizes,
	}

	stagingStore, err := objstore.NewFileStore(conf.Conf.BlobRoot)
	if err != nil {
		log.Fatalf("opening staging store: %v", err)
	}
	worker := &deliveryWorker{store: stagingStore, objects: objectDB, outbound: outboundDeps, interval: deliveryWorkerInterval}
	stats := newStatsWorker(userDB, objectDB, statsWorkerInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.run(ctx)
	go stats.run(ctx)

	router := newRouter(conf, inboundDeps, readDeps, userDB, objectDB)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: router,
	}

	go func() {
		log.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	log.Println("stopped")
}
