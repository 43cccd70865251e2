// Command migrate manages the Postgres schema and the player catalog.
//
//	migrate -config config.yaml up
//	migrate -config config.yaml down 1
//	migrate -config config.yaml version
//	migrate -config config.yaml force 1
//	migrate -config config.yaml import-players players.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	"gopkg.in/yaml.v3"

	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up | down N | version | force V | import-players FILE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Args()); err != nil {
		slog.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if args[0] == "import-players" {
		if len(args) != 2 {
			return errors.New("import-players needs a file")
		}
		n, err := importPlayers(ctx, postgres.NewPlayerRepo(db), args[1])
		if err != nil {
			return err
		}
		slog.Info("players imported", slog.Int("count", n))
		return nil
	}

	m, err := postgres.NewMigrator(db.DB)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		err = m.Steps(-steps)
	case "force":
		if len(args) != 2 {
			return errors.New("force needs a version")
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], convErr)
		}
		err = m.Force(v)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}
	slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// catalogFile is the on-disk player catalog.
type catalogFile struct {
	Players []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		Team      string `yaml:"team"`
		Role      string `yaml:"role"`
		BasePrice int64  `yaml:"base_price"`
	} `yaml:"players"`
}

func importPlayers(ctx context.Context, repo store.PlayerRepository, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing catalog: %w", err)
	}
	for i, row := range f.Players {
		p := store.Player{ID: row.ID, Name: row.Name, Team: row.Team, Role: row.Role, BasePrice: row.BasePrice}
		if p.BasePrice < 1 {
			return i, fmt.Errorf("player %q: base price must be positive", p.ID)
		}
		if _, err := p.Domain(); err != nil {
			return i, fmt.Errorf("player %q: %w", p.ID, err)
		}
		if err := repo.Upsert(ctx, &p); err != nil {
			return i, fmt.Errorf("upserting player %q: %w", p.ID, err)
		}
	}
	return len(f.Players), nil
}
