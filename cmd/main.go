package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/andesco/originproxy/handlers"
	"github.com/andesco/originproxy/pkg/config"
	"github.com/andesco/originproxy/pkg/page"
	"github.com/andesco/originproxy/pkg/reqlog"
	"github.com/andesco/originproxy/pkg/rewrite"
	"github.com/andesco/originproxy/pkg/ruleset"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	parser := argparse.NewParser("originproxy", "Fetch remote pages through a single proxy entry point")

	configPath := parser.String("c", "config", &argparse.Options{
		Required: false,
		Help:     "Path to a YAML config file (env: CONFIG)",
	})
	portFlag := parser.String("p", "port", &argparse.Options{
		Required: false,
		Help:     "Port the webserver will listen on (env: PORT)",
	})
	rulesetFlag := parser.String("r", "ruleset", &argparse.Options{
		Required: false,
		Help:     "File, directory or ';' separated list of ruleset YAML files (env: RULESET)",
	})
	debugFlag := parser.Flag("d", "debug", &argparse.Options{
		Required: false,
		Help:     "Enable debug logging (env: DEBUG)",
	})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	if *rulesetFlag != "" {
		cfg.Ruleset = *rulesetFlag
	}
	if *debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(os.Stdout, cfg.Debug)

	app, err := newApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize proxy")
	}

	log.Info().Str("version", version).Str("addr", cfg.Addr()).Msg("Starting originproxy")
	if err := app.Listen(cfg.Addr()); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func newLogger(w *os.File, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var out io.Writer = w
	if term.IsTerminal(int(w.Fd())) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func newApp(cfg config.Config, log zerolog.Logger) (*fiber.App, error) {
	rules, err := ruleset.Load(cfg.Ruleset)
	if err != nil {
		return nil, err
	}
	if cfg.Ruleset == "" {
		log.Debug().Msg("No ruleset specified")
	} else {
		log.Info().Int("rules", rules.Count()).Int("domains", rules.DomainCount()).Msg("Loaded ruleset")
	}

	rw, err := rewrite.New(cfg.Rewriter)
	if err != nil {
		return nil, err
	}

	pipeline := &page.Pipeline{
		Fetcher: page.NewHTTPFetcher(page.Options{
			Timeout:      cfg.Timeout,
			MaxBodyBytes: cfg.MaxBodyBytes,
			UserAgent:    cfg.UserAgent,
			ForwardedFor: cfg.ForwardedFor,
			Rules:        rules,
			Strict:       cfg.Strict,
		}),
		Rewriter: rw,
		Rules:    rules,
		Log:      log,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
			return c.Status(code).SendString(err.Error())
		},
	})
	app.Use(recover.New())
	handlers.Setup(app, pipeline, reqlog.New(log))
	return app, nil
}
