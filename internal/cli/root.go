// Package cli implements the docsense command line: ingest a local or S3
// file, query a workspace, inspect index stats and forget a document.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/docsense/internal/app"
	"github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/core/retrieval"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/models"
)

// Retriever is the query side the CLI needs.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.RetrieveRequest) ([]models.RetrievalResult, error)
}

// Services are the components commands run against.
type Services struct {
	Ingestor  ingestion_engine.Ingestor
	Retriever Retriever
	Index     core.VectorIndex
	Close     func()
}

// ServiceFactory builds Services once flags are parsed. envFile is empty
// unless --env-file was given.
type ServiceFactory func(ctx context.Context, envFile string) (*Services, error)

type root struct {
	factory  ServiceFactory
	envFile  string
	services *Services
}

// NewRootCmd returns the docsense command tree.
func NewRootCmd(factory ServiceFactory) *cobra.Command {
	r := &root{factory: factory}

	cmd := &cobra.Command{
		Use:           "docsense",
		Short:         "Ingest documents and query them semantically",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.envFile, "env-file", "", "path to a .env file (default: ./.env if present)")

	cmd.AddCommand(
		newIngestCmd(r),
		newQueryCmd(r),
		newStatsCmd(r),
		newForgetCmd(r),
	)
	return cmd
}

// load builds the services on first use so that --help and argument errors
// never touch the database.
func (r *root) load(ctx context.Context) (*Services, error) {
	if r.services != nil {
		return r.services, nil
	}
	if r.factory == nil {
		return nil, errors.New("no service factory configured")
	}
	s, err := r.factory(ctx, r.envFile)
	if err != nil {
		return nil, err
	}
	r.services = s
	return s, nil
}

func (r *root) close() {
	if r.services != nil && r.services.Close != nil {
		r.services.Close()
	}
	r.services = nil
}

// FromApp is the production factory. Logs go to stderr so stdout stays
// clean for --json output.
func FromApp(ctx context.Context, envFile string) (*Services, error) {
	var (
		cfg *config.Config
		err error
	)
	if envFile != "" {
		cfg, err = config.LoadConfigFile(envFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "stderr")
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	a, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Services{
		Ingestor:  a.Ingestor,
		Retriever: a.Retriever,
		Index:     a.Index,
		Close:     a.Close,
	}, nil
}

// Execute runs the command tree and reports the exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCmd(FromApp)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
