package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manages the source registry",
	}
	cmd.AddCommand(
		newSourcesUpsertCmd(),
		newSourcesGetCmd(),
		newSourcesSetActiveCmd("enable", true),
		newSourcesSetActiveCmd("disable", false),
	)
	return cmd
}

func newSourcesUpsertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upsert <file|->",
		Short: "Inserts or updates sources from a JSON object or array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open sources file: %w", err)
				}
				defer f.Close()
				r = f
			}
			sources, err := decodeSources(r)
			if err != nil {
				return printResponse(cmd, pipeline.Failure(err))
			}
			ids := make([]string, 0, len(sources))
			for _, src := range sources {
				if err := a.Store.UpsertSource(cmd.Context(), src); err != nil {
					return printResponse(cmd, pipeline.Failure(fmt.Errorf("upsert source %s: %w", src.ID, err)))
				}
				ids = append(ids, src.ID)
			}
			return printResponse(cmd, pipeline.OK("", map[string]any{"upserted": ids}))
		},
	}
}

// decodeSources accepts a single source object or an array of them.
func decodeSources(r io.Reader) ([]pipeline.Source, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	var sources []pipeline.Source
	if len(raw) > 0 && raw[0] == '{' {
		var one pipeline.Source
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decode source: %w", err)
		}
		sources = append(sources, one)
	} else if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	for i, src := range sources {
		if src.ID == "" || src.Address == "" {
			return nil, fmt.Errorf("source %d: id and address are required", i)
		}
		method, err := pipeline.ParseDiscoveryMethod(string(src.Method))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		sources[i].Method = method
	}
	return sources, nil
}

func newSourcesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <source-id>",
		Short: "Prints one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			src, err := a.Store.GetSource(cmd.Context(), args[0])
			return printResponse(cmd, summaryResponse(src, err))
		},
	}
}

func newSourcesSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: fmt.Sprintf("Marks a source %s for discovery", map[bool]string{true: "active", false: "inactive"}[active]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Store.SetActive(cmd.Context(), args[0], active); err != nil {
				return printResponse(cmd, pipeline.Failure(err))
			}
			return printResponse(cmd, pipeline.OK("", map[string]any{"source_id": args[0], "active": active}))
		},
	}
}
