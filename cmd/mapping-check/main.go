// Command mapping-check validates relkeeper mapping documents and probes the
// configured storage provider against them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"relkeeper/internal/core"
	"relkeeper/internal/infra/logging"
	"relkeeper/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

// errReported marks failures whose details were already written to stderr.
var errReported = errors.New("validation failed")

func cli(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			if _, writeErr := fmt.Fprintf(stderr, "Error: %v\n", err); writeErr != nil {
				return 1
			}
		}
		return 1
	}
	return 0
}

type options struct {
	jsonOut  bool
	logLevel string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "mapping-check",
		Short:         "Validate relkeeper mapping documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "emit JSON output")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to "+core.EnvLogLevel)
	root.AddCommand(newValidateCmd(opts), newDescribeCmd(opts), newProbeCmd(opts))
	return root
}

// Summary is the per-file result of a validation.
type Summary struct {
	Path      string `json:"path"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	Classes   int    `json:"classes"`
	EndPoints int    `json:"end_points"`
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <mapping.json>...",
		Short: "Check that mapping documents build into a consistent mapping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]Summary, 0, len(args))
			failed := 0
			for _, p := range args {
				s := Summary{Path: p}
				m, err := loadMapping(p)
				if err != nil {
					s.Error = err.Error()
					failed++
				} else {
					s.Valid = true
					s.Classes, s.EndPoints = countMapping(m)
				}
				results = append(results, s)
			}
			if opts.jsonOut {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				for _, s := range results {
					if s.Valid {
						fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%d classes, %d end points)\n", s.Path, s.Classes, s.EndPoints)
						continue
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %s\n", s.Path, s.Error)
				}
			}
			if failed > 0 {
				return errReported
			}
			return nil
		},
	}
}

// ClassReport describes one mapped class.
type ClassReport struct {
	ID         string           `json:"id"`
	Properties []PropertyReport `json:"properties"`
	EndPoints  []EndPointReport `json:"end_points,omitempty"`
}

// PropertyReport describes one persistent property.
type PropertyReport struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// EndPointReport describes one relation end point.
type EndPointReport struct {
	Property    string `json:"property"`
	Opposite    string `json:"opposite"`
	Cardinality string `json:"cardinality"`
	Virtual     bool   `json:"virtual,omitempty"`
	Mandatory   bool   `json:"mandatory,omitempty"`
}

func newDescribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <mapping.json>",
		Short: "Print the classes and relation end points of a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMapping(args[0])
			if err != nil {
				return err
			}
			report := describe(m)
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			for _, c := range report {
				fmt.Fprintf(out, "%s\n", c.ID)
				for _, p := range c.Properties {
					nullable := ""
					if p.Nullable {
						nullable = " (nullable)"
					}
					fmt.Fprintf(out, "  %s %s%s\n", p.Name, p.Type, nullable)
				}
				for _, ep := range c.EndPoints {
					kind := "real"
					if ep.Virtual {
						kind = "virtual"
					}
					fmt.Fprintf(out, "  -> %s %s [%s, %s]\n", ep.Property, ep.Opposite, ep.Cardinality, kind)
				}
			}
			return nil
		},
	}
}

// ProbeResult reports what a storage probe observed.
type ProbeResult struct {
	Driver  string `json:"driver"`
	Classes int    `json:"classes"`
	Status  string `json:"status"`
}

func newProbeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <mapping.json>",
		Short: "Open the configured storage provider and run a lookup per class",
		Long: "Opens the provider selected by " + core.EnvStorageDriver + " and runs a read-only " +
			"root transaction that looks up an unknown object of every mapped class.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMapping(args[0])
			if err != nil {
				return err
			}
			res, err := probe(cmd.Context(), m, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d classes probed, %s\n", res.Driver, res.Classes, res.Status)
			return nil
		},
	}
}

func probe(ctx context.Context, m *domain.Mapping, level string, logOut io.Writer) (res ProbeResult, err error) {
	cfg, err := core.ConfigFromEnv()
	if err != nil {
		return res, err
	}
	if level != "" {
		cfg.LogLevel = level
	}
	logger, err := logging.New(logOut, cfg.LogLevel)
	if err != nil {
		return res, err
	}
	res.Driver = os.Getenv(core.EnvStorageDriver)
	if res.Driver == "" {
		res.Driver = string(core.StorageMemory)
	}
	provider, err := core.OpenStorageProvider(ctx, m)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := core.CloseStorageProvider(provider); cerr != nil && err == nil {
			err = fmt.Errorf("close provider: %w", cerr)
		}
	}()
	tx, err := core.NewRootTransaction(m, provider, core.WithConfig(cfg), core.WithLogger(logger.With("driver", res.Driver)))
	if err != nil {
		return res, err
	}
	for _, class := range m.Classes() {
		obj, err := tx.TryGetObject(ctx, domain.NewObjectID(class))
		if err != nil {
			return res, fmt.Errorf("probe %s: %w", class, err)
		}
		if obj != nil {
			return res, fmt.Errorf("probe %s: unexpected object %s", class, obj.ID())
		}
		res.Classes++
	}
	if err := tx.Rollback(ctx); err != nil {
		return res, err
	}
	res.Status = "ok"
	return res, nil
}

// validatePath rejects empty, absolute and path-traversing references.
func validatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	return clean, nil
}

func loadMapping(p string) (m *domain.Mapping, err error) {
	safePath, err := validatePath(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(safePath) // #nosec G304: path validated by validatePath
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close mapping: %w", cerr)
		}
	}()
	return domain.LoadMappingJSON(file)
}

func countMapping(m *domain.Mapping) (classes, endPoints int) {
	for _, id := range m.Classes() {
		c, _ := m.Class(id)
		classes++
		endPoints += len(c.EndPoints())
	}
	return classes, endPoints
}

func describe(m *domain.Mapping) []ClassReport {
	var out []ClassReport
	for _, id := range m.Classes() {
		c, _ := m.Class(id)
		r := ClassReport{ID: string(id)}
		for _, p := range c.Properties() {
			r.Properties = append(r.Properties, PropertyReport{Name: p.Name, Type: string(p.Type), Nullable: p.Nullable})
		}
		for _, ep := range c.EndPoints() {
			opp := string(ep.OppositeClass)
			if ep.IsBidirectional() {
				opp += "." + ep.OppositeProperty
			}
			r.EndPoints = append(r.EndPoints, EndPointReport{
				Property:    ep.Property,
				Opposite:    opp,
				Cardinality: string(ep.Cardinality),
				Virtual:     ep.Virtual,
				Mandatory:   ep.Mandatory,
			})
		}
		out = append(out, r)
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
