// Command s3meta inspects an S3-compatible object store through a local
// persistent metadata cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wolfeidau/s3meta"
	"github.com/wolfeidau/s3meta/remote"
	"github.com/wolfeidau/s3meta/telemetry"
)

var version = "dev"

const usage = `usage: s3meta [flags] <command> [args]

commands:
  buckets                     list buckets
  mkbucket <bucket>           create a bucket
  ls <bucket> [prefix]        list objects under a prefix
  stat <bucket> <key>         show object metadata
  tags <bucket> <key>         show object tags
  set-tags <bucket> <key> k=v [k=v ...]
                              replace object tags
  rm <bucket> <key> [key ...] remove objects
  cp <bucket> <src> <dest>    server-side copy within a bucket
  clear                       drop all cached records
  stats                       show cache statistics
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		endpoint      = flag.String("endpoint", "localhost:9000", "S3 endpoint host:port")
		accessKey     = flag.String("access-key", os.Getenv("S3META_ACCESS_KEY"), "Access key (default: $S3META_ACCESS_KEY)")
		secretKey     = flag.String("secret-key", os.Getenv("S3META_SECRET_KEY"), "Secret key (default: $S3META_SECRET_KEY)")
		useSSL        = flag.Bool("ssl", false, "Use TLS for the S3 endpoint")
		region        = flag.String("region", "", "S3 region (optional)")
		dbPath        = flag.String("db", defaultDBPath(), "Path to the cache database")
		cacheTTL      = flag.Duration("cache-ttl", time.Hour, "Staleness window for cached records (0 to disable)")
		cacheMaxSize  = flag.Int64("cache-max-size", 0, "Maximum cache size in bytes (0 to disable)")
		mode          = flag.String("mode", "default", "Cache mode (default, bypass, cache-only, force-refresh)")
		limit         = flag.Int("limit", 0, "Maximum listing results (0 for unlimited)")
		recursive     = flag.Bool("recursive", false, "List recursively rather than by directory level")
		metricsListen = flag.String("metrics-listen", "", "Expose Prometheus metrics on this address (e.g. :9090)")
		otlpEndpoint  = flag.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics export (optional)")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat     = flag.String("log-format", "text", "Log format (text, json)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nflags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", *logLevel)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch *logFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format: %s", *logFormat)
	}
	logger := slog.New(handler)

	cacheMode, err := parseMode(*mode)
	if err != nil {
		return err
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsListen != "" || *otlpEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "s3meta",
			ServiceVersion:   version,
			OTLPEndpoint:     *otlpEndpoint,
			EnablePrometheus: *metricsListen != "",
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()

		if *metricsListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.PrometheusHandler())
			go func() {
				if err := http.ListenAndServe(*metricsListen, mux); err != nil {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
		}
	}

	client, err := remote.NewMinioClient(remote.Config{
		Endpoint:  *endpoint,
		AccessKey: *accessKey,
		SecretKey: *secretKey,
		UseSSL:    *useSSL,
		Region:    *region,
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *endpoint, err)
	}

	cache, err := s3meta.New(client, *dbPath,
		s3meta.WithTTL(*cacheTTL),
		s3meta.WithMaxStoreSize(*cacheMaxSize),
		s3meta.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening cache at %s: %w", *dbPath, err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing cache failed", "error", err)
		}
	}()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "buckets":
		return cmdBuckets(ctx, cache)
	case "mkbucket":
		if len(args) != 1 {
			return fmt.Errorf("usage: s3meta mkbucket <bucket>")
		}
		return cache.MakeBucket(ctx, args[0])
	case "ls":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: s3meta ls <bucket> [prefix]")
		}
		prefix := ""
		if len(args) == 2 {
			prefix = args[1]
		}
		return cmdList(ctx, cache, args[0], s3meta.ListOptions{
			Prefix:    prefix,
			Recursive: *recursive,
			Limit:     *limit,
			Mode:      cacheMode,
		})
	case "stat":
		if len(args) != 2 {
			return fmt.Errorf("usage: s3meta stat <bucket> <key>")
		}
		return cmdStat(ctx, cache, args[0], args[1], cacheMode)
	case "tags":
		if len(args) != 2 {
			return fmt.Errorf("usage: s3meta tags <bucket> <key>")
		}
		return cmdTags(ctx, cache, args[0], args[1], cacheMode)
	case "set-tags":
		if len(args) < 3 {
			return fmt.Errorf("usage: s3meta set-tags <bucket> <key> k=v [k=v ...]")
		}
		tagMap, err := parseTags(args[2:])
		if err != nil {
			return err
		}
		return cache.SetObjectTags(ctx, args[0], args[1], tagMap)
	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("usage: s3meta rm <bucket> <key> [key ...]")
		}
		return cmdRemove(ctx, cache, args[0], args[1:])
	case "cp":
		if len(args) != 3 {
			return fmt.Errorf("usage: s3meta cp <bucket> <src> <dest>")
		}
		return cache.CopyObject(ctx, args[0], args[2], remote.CopySource{Bucket: args[0], Key: args[1]})
	case "clear":
		return cache.ClearCache(ctx)
	case "stats":
		return cmdStats(ctx, cache)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func defaultDBPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "s3meta", "cache.db")
}

func parseMode(s string) (s3meta.CacheMode, error) {
	switch s {
	case "default":
		return s3meta.ModeDefault, nil
	case "bypass":
		return s3meta.ModeBypass, nil
	case "cache-only":
		return s3meta.ModeCacheOnly, nil
	case "force-refresh":
		return s3meta.ModeForceRefresh, nil
	default:
		return s3meta.ModeDefault, fmt.Errorf("invalid cache mode: %s", s)
	}
}

func parseTags(pairs []string) (map[string]string, error) {
	tagMap := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q, want key=value", pair)
		}
		tagMap[k] = v
	}
	return tagMap, nil
}

func cmdBuckets(ctx context.Context, cache *s3meta.Cache) error {
	buckets, err := cache.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		fmt.Println(b.Name)
	}
	return nil
}

func cmdList(ctx context.Context, cache *s3meta.Cache, bucket string, opts s3meta.ListOptions) error {
	for res := range cache.ListObjects(ctx, bucket, opts) {
		if res.Err != nil {
			return res.Err
		}
		fmt.Printf("%12d  %s  %-6s  %s\n",
			res.Object.Size,
			res.Object.LastModified.Format(time.RFC3339),
			res.Source,
			res.Key)
	}
	return nil
}

func cmdStat(ctx context.Context, cache *s3meta.Cache, bucket, key string, mode s3meta.CacheMode) error {
	res, err := cache.StatObject(ctx, bucket, key, mode)
	if err != nil {
		return err
	}
	if !res.Cached && res.Source == s3meta.SourceNone {
		return fmt.Errorf("%s/%s: not in cache", bucket, key)
	}
	fmt.Printf("key:           %s\n", res.Key)
	fmt.Printf("etag:          %s\n", res.Object.ETag)
	fmt.Printf("size:          %d\n", res.Object.Size)
	fmt.Printf("last-modified: %s\n", res.Object.LastModified.Format(time.RFC3339))
	fmt.Printf("source:        %s\n", res.Source)
	if res.Cached {
		fmt.Printf("cached-at:     %s (age %s, stale %t)\n",
			res.CachedAt.Format(time.RFC3339), res.Age.Round(time.Second), res.Stale)
	}
	for k, v := range res.Metadata {
		fmt.Printf("meta %s: %s\n", k, v)
	}
	return nil
}

func cmdTags(ctx context.Context, cache *s3meta.Cache, bucket, key string, mode s3meta.CacheMode) error {
	res, err := cache.GetObjectTags(ctx, bucket, key, mode)
	if err != nil {
		return err
	}
	if !res.Cached && res.Source == s3meta.SourceNone {
		return fmt.Errorf("%s/%s: tags not in cache", bucket, key)
	}
	for k, v := range res.Tags {
		fmt.Printf("%s=%s\n", k, v)
	}
	return nil
}

func cmdRemove(ctx context.Context, cache *s3meta.Cache, bucket string, keys []string) error {
	if len(keys) == 1 {
		return cache.RemoveObject(ctx, bucket, keys[0])
	}
	removeErrs, err := cache.RemoveObjects(ctx, bucket, keys)
	if err != nil {
		return err
	}
	for _, rerr := range removeErrs {
		fmt.Fprintf(os.Stderr, "failed to remove %s: %v\n", rerr.Key, rerr.Err)
	}
	if len(removeErrs) > 0 {
		return fmt.Errorf("%d of %d removals failed", len(removeErrs), len(keys))
	}
	return nil
}

func cmdStats(ctx context.Context, cache *s3meta.Cache) error {
	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("records:   %d\n", stats.Records)
	fmt.Printf("footprint: %d bytes\n", stats.FootprintBytes)
	if !stats.OldestCachedAt.IsZero() {
		fmt.Printf("oldest:    %s\n", stats.OldestCachedAt.Format(time.RFC3339))
		fmt.Printf("newest:    %s\n", stats.NewestCachedAt.Format(time.RFC3339))
	}
	return nil
}
