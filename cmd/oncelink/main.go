package main

import (
	"context"
	"fmt"
	"hash"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/muesli/coral"
	"github.com/oncelink/oncelink/internal/database"
	"github.com/oncelink/oncelink/internal/mailer"
	"github.com/oncelink/oncelink/internal/server"
	"github.com/oncelink/oncelink/internal/sweeper"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const dbname = "oncelink.db"

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cfg string
)

func main() {
	c := &coral.Command{
		Use:     "oncelink",
		Short:   "Single-use access link server",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    coral.ExactArgs(0),
	}
	initCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(initCmd)

	reindexCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(reindexCmd)

	serverCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(serverCmd)

	sweepCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(sweepCmd)

	grantTokenCmd.Flags().StringVarP(&cfg, "config", "c", "", "Configuration file")
	c.AddCommand(grantTokenCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

// konfig loads the optional YAML configuration file and overlays
// ONCELINK_-prefixed environment variables (double underscore nests keys,
// e.g. ONCELINK_STORAGE__DRIVER -> storage.driver).
func konfig() (*koanf.Koanf, error) {
	konf := koanf.New(".")

	if cfg != "" {
		if err := konf.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "could not load configuration file")
		}
	}

	err := konf.Load(env.Provider("ONCELINK_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ONCELINK_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	return konf, errors.Wrap(err, "could not load environment")
}

func dbnameWithPath(path string) string {
	if len(path) == 0 {
		return dbname
	}
	return filepath.Join(path, dbname)
}

func kdf(l int, k []byte) []byte {
	nhash := func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(err)
		}
		return h
	}

	payload := make([]byte, l)

	kdf := hkdf.New(nhash, k, nil, nil)
	_, err := io.ReadFull(kdf, payload)
	if err != nil {
		panic(err)
	}

	return payload
}

func duration(konf *koanf.Koanf, key string, fallback time.Duration) time.Duration {
	if d := konf.Duration(key); d > 0 {
		return d
	}
	return fallback
}

func openDatabase(konf *koanf.Koanf, retention time.Duration) (database.Client, error) {
	switch driver := konf.String("storage.driver"); driver {
	case "", "storm":
		codec, err := database.StormCodecNamed(konf.String("storage.codec"))
		if err != nil {
			return nil, err
		}
		return database.StormOpen(dbnameWithPath(konf.String("database_path")), codec)
	case "redis":
		return database.RedisOpen(
			konf.String("redis.address"),
			konf.String("redis.password"),
			konf.Int("redis.db"),
			retention,
		)
	default:
		return nil, errors.Errorf("unknown storage driver: %s", driver)
	}
}

var (
	initCmd = &coral.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := konfig()
			if err != nil {
				return err
			}

			if konf.String("storage.driver") == "redis" {
				// Redis needs no schema nor indexes.
				return nil
			}

			codec, err := database.StormCodecNamed(konf.String("storage.codec"))
			if err != nil {
				return err
			}
			return database.StormInit(dbnameWithPath(konf.String("database_path")), codec)
		},
	}

	//
	reindexCmd = &coral.Command{
		Use:   "reindex",
		Short: "Reindex the database",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := konfig()
			if err != nil {
				return err
			}

			if konf.String("storage.driver") == "redis" {
				return errors.New("reindex only applies to the storm driver")
			}

			codec, err := database.StormCodecNamed(konf.String("storage.codec"))
			if err != nil {
				return err
			}
			return database.StormReIndex(dbnameWithPath(konf.String("database_path")), codec)
		},
	}

	//
	//
	serverCmd = &coral.Command{
		Use:   "server",
		Short: "Start server",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := konfig()
			if err != nil {
				return err
			}

			if konf.String("secret_key") == "" {
				return errors.New("secret_key not found")
			}

			if konf.String("public_url") == "" {
				return errors.New("public_url not found")
			}

			retention := duration(konf, "retention", 30*24*time.Hour)

			db, err := openDatabase(konf, retention)
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			logger := logrus.New()
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			var m mailer.Mailer = mailer.NewNop()
			if konf.String("mailer.api_key") != "" {
				m = mailer.NewResend(konf.String("mailer.api_key"), konf.String("mailer.from"))
			}

			engine := server.EchoEngine(server.Controller{
				Version:             version,
				Database:            db,
				Mailer:              m,
				Logger:              logger,
				PublicURL:           strings.TrimSuffix(konf.String("public_url"), "/"),
				SigningKey:          kdf(32, konf.MustBytes("secret_key")),
				DefaultTokenTTL:     duration(konf, "token.default_ttl", 15*time.Minute),
				MaxTokenTTL:         duration(konf, "token.max_ttl", 7*24*time.Hour),
				StripeWebhookSecret: konf.String("stripe.webhook_secret"),
			})
			server.PrintRoutes(engine)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go sweeper.New(db, retention, duration(konf, "sweep_interval", time.Hour), logger).Run(ctx)

			address := konf.String("address")
			message := "could not run server"
			log.Printf("Server listening on %s\n", address)
			parts := strings.Split(address, ":")
			if len(parts) == 2 && parts[0] == "unix" {
				socketFile := parts[1]
				if _, err := os.Stat(socketFile); err == nil {
					log.Printf("Removing existing %s\n", socketFile)
					os.Remove(socketFile)
				}
				defer os.Remove(socketFile)
				listener, err := net.Listen(parts[0], socketFile)
				if err != nil {
					return err
				}
				return errors.Wrap(engine.Server.Serve(listener), message)
			}
			return errors.Wrap(engine.Start(address), message)
		},
	}

	//
	sweepCmd = &coral.Command{
		Use:   "sweep",
		Short: "Purge token records kept past the retention window",
		Args:  coral.ExactArgs(0),
		RunE: func(_ *coral.Command, _ []string) error {
			konf, err := konfig()
			if err != nil {
				return err
			}

			retention := duration(konf, "retention", 30*24*time.Hour)

			db, err := openDatabase(konf, retention)
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()

			logger := logrus.New()
			n, err := sweeper.New(db, retention, 0, logger).RunOnce()
			if err != nil {
				return err
			}
			logger.Infof("purged %d stale token records", n)
			return nil
		},
	}

	//
	grantTokenCmd = &coral.Command{
		Use:   "grant-token",
		Short: "Print a bearer token for the internal API",
		Args:  coral.ExactArgs(0),
		RunE: func(cmd *coral.Command, _ []string) error {
			konf, err := konfig()
			if err != nil {
				return err
			}

			if konf.String("secret_key") == "" {
				return errors.New("secret_key not found")
			}

			bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"iss": "oncelink grant-token",
				"iat": time.Now().Unix(),
				"exp": time.Now().Add(duration(konf, "internal_token_ttl", 12*time.Hour)).Unix(),
			}).SignedString(kdf(32, konf.MustBytes("secret_key")))
			if err != nil {
				return errors.Wrap(err, "could not sign bearer token")
			}

			fmt.Fprintln(cmd.OutOrStdout(), bearer)
			return nil
		},
	}
)
