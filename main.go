package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	script "posting-video-pipeline/01_script"
	video "posting-video-pipeline/02_video"
	storage "posting-video-pipeline/03_storage"
	publish "posting-video-pipeline/04_publish"
	"posting-video-pipeline/config"
	"posting-video-pipeline/dispatch"
	"posting-video-pipeline/listing"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/orchestrator"
	"posting-video-pipeline/server"
	"posting-video-pipeline/store"
	"posting-video-pipeline/types"
)

// postingStore is what the binary needs from either store driver.
type postingStore interface {
	orchestrator.RecordStore
	dispatch.Store
	listing.Lister
	Ping(ctx context.Context) error
}

type receiptLedger interface {
	orchestrator.Receipts
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	action := flag.String("action", dispatch.ActionGenerateAll, "action to dispatch once")
	ids := flag.String("ids", "", "comma separated posting ids for generate_specific")
	serve := flag.Bool("serve", false, "serve POST /invoke instead of dispatching once")
	migrate := flag.Bool("migrate", false, "apply the postgres schema before running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *action, *ids, *serve, *migrate); err != nil {
		log.Error().Err(err).Msg("pipeline aborted")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, action, ids string, serve, migrate bool) error {
	// ─────────────────────────────────────────────
	// Record store
	// ─────────────────────────────────────────────
	var st postingStore
	switch cfg.Database.Driver {
	case "memory":
		st = store.NewMemory()
	default:
		pg, err := store.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pg.Close()
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
		}
		st = pg
	}

	// ─────────────────────────────────────────────
	// AWS clients
	// ─────────────────────────────────────────────
	sess, err := storage.NewSession(cfg.Storage.Region, cfg.Storage.Endpoint)
	if err != nil {
		return err
	}
	transfer := storage.New(cfg.Storage, sess, log)

	var receipts receiptLedger
	switch cfg.Ledger.Driver {
	case "memory":
		receipts = publish.NewMemoryReceipts()
	default:
		receipts = publish.NewDynamoReceipts(dynamodb.New(sess, aws.NewConfig().WithRegion(cfg.Ledger.Region)), cfg.Ledger.Table)
	}

	// ─────────────────────────────────────────────
	// Pipeline stages
	// ─────────────────────────────────────────────
	writer, err := script.New(cfg.Script, log)
	if err != nil {
		return err
	}
	heygen := video.New(cfg.Video, log)
	youtube, err := publish.New(ctx, cfg.Publish, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Script:    writer,
		Video:     heygen,
		Storage:   transfer,
		Publisher: youtube,
		Receipts:  receipts,
	}, cfg.Pipeline, cfg.Publish, log)

	index := listing.New(cfg.Listing, st, s3.New(sess), log)
	probes := map[string]dispatch.Probe{
		"database": st.Ping,
		"video":    heygen.Ping,
		"storage":  transfer.Ping,
		"publish":  youtube.Ping,
		"receipts": receipts.Ping,
	}
	d := dispatch.New(st, orch, index, probes, cfg.Pipeline, log)

	if serve {
		return listen(ctx, cfg.Server, d, log)
	}

	req := dispatch.Request{Action: action}
	if req.PostingIDs, err = parseIDs(ids); err != nil {
		return err
	}
	sum, err := d.Dispatch(ctx, req)
	if sum != nil {
		printSummary(sum)
	}
	return err
}

func listen(ctx context.Context, cfg config.ServerConfig, d *dispatch.Dispatcher, log zerolog.Logger) error {
	var keyFunc jwt.Keyfunc
	if cfg.JWKSURL != "" {
		jwks, err := server.NewJWKSKeyfunc(cfg.JWKSURL, log)
		if err != nil {
			return err
		}
		defer jwks.EndBackground()
		keyFunc = jwks.Keyfunc
	} else {
		log.Warn().Msg("server.jwks_url not set, /invoke is unauthenticated")
	}

	router, err := server.New(d, log).Router(keyFunc)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("posting id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSummary(sum *types.Summary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
}
