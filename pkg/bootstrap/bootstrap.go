package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/logger"
	"github.com/flagkit/flagkit/pkg/storage"
)

// Predefined errors for the bootstrap package.
var (
	// ErrInvalidDocument indicates the seed document could not be
	// decoded.
	ErrInvalidDocument = errors.New("invalid seed document")

	// ErrSeedFailed indicates one or more flags could not be stored.
	ErrSeedFailed = errors.New("seeding flags failed")
)

// ConflictPolicy decides what happens when a seeded flag key already
// exists in the backend.
type ConflictPolicy string

const (
	// ConflictSkip leaves the existing flag untouched.
	ConflictSkip ConflictPolicy = "skip"
	// ConflictUpdate replaces the existing flag with the seeded
	// definition.
	ConflictUpdate ConflictPolicy = "update"
)

// Report summarizes a seeding run.
type Report struct {
	Created int
	Updated int
	Skipped int
}

// document is the on-disk shape of a seed file. YAML is a superset of
// JSON, so one decoder covers both formats.
type document struct {
	Flags []flags.Flag `yaml:"flags"`
}

// Seeder loads flag definitions from declarative files into a storage
// backend.
type Seeder struct {
	store      storage.Backend
	onConflict ConflictPolicy
	continueOn bool
	log        *slog.Logger
}

// Option configures a Seeder.
type Option func(*Seeder)

// WithLogger sets the seeder's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Seeder) {
		if log != nil {
			s.log = log
		}
	}
}

// WithConflictPolicy decides how existing keys are handled. Default is
// ConflictSkip.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(s *Seeder) {
		switch policy {
		case ConflictSkip, ConflictUpdate:
			s.onConflict = policy
		}
	}
}

// WithContinueOnError makes the seeder store the remaining flags after
// one fails, returning the joined failures at the end. Default is to
// stop at the first failure.
func WithContinueOnError() Option {
	return func(s *Seeder) { s.continueOn = true }
}

// New creates a seeder writing into store.
func New(store storage.Backend, opts ...Option) *Seeder {
	s := &Seeder{
		store:      store,
		onConflict: ConflictSkip,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeedFile reads the YAML or JSON seed document at path and stores its
// flags.
func (s *Seeder) SeedFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, errors.Join(ErrInvalidDocument, err)
	}
	defer f.Close()
	return s.Seed(ctx, f)
}

// Seed decodes a seed document from r and stores its flags according
// to the conflict policy. Flags are normalized before storing: the
// name defaults to the key, the type to boolean and the status to
// active.
func (s *Seeder) Seed(ctx context.Context, r io.Reader) (Report, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return Report{}, errors.Join(ErrInvalidDocument, err)
	}

	var report Report
	var failures []error
	for i := range doc.Flags {
		flag := normalize(&doc.Flags[i])
		if err := flag.Validate(); err != nil {
			err = fmt.Errorf("flag %q: %w", flag.Key, err)
			if !s.continueOn {
				return report, errors.Join(ErrSeedFailed, err)
			}
			failures = append(failures, err)
			continue
		}

		outcome, err := s.apply(ctx, flag)
		if err != nil {
			err = fmt.Errorf("flag %q: %w", flag.Key, err)
			if !s.continueOn {
				return report, errors.Join(ErrSeedFailed, err)
			}
			failures = append(failures, err)
			continue
		}
		switch outcome {
		case "created":
			report.Created++
		case "updated":
			report.Updated++
		case "skipped":
			report.Skipped++
		}
	}

	s.log.InfoContext(ctx, "seeded flags",
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		logger.Errors(failures...),
	)
	if len(failures) > 0 {
		return report, errors.Join(append([]error{ErrSeedFailed}, failures...)...)
	}
	return report, nil
}

// apply stores a single flag, resolving key conflicts per policy.
func (s *Seeder) apply(ctx context.Context, flag *flags.Flag) (string, error) {
	_, err := s.store.CreateFlag(ctx, flag)
	if err == nil {
		return "created", nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return "", err
	}
	if s.onConflict == ConflictSkip {
		return "skipped", nil
	}
	if _, err := s.store.UpdateFlag(ctx, flag); err != nil {
		return "", err
	}
	return "updated", nil
}

// normalize fills the defaults a hand-written seed file usually omits.
func normalize(flag *flags.Flag) *flags.Flag {
	if flag.Name == "" {
		flag.Name = flag.Key
	}
	if flag.Type == "" {
		flag.Type = flags.TypeBoolean
	}
	if flag.Status == "" {
		flag.Status = flags.StatusActive
	}
	return flag
}
