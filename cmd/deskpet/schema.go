// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deskpet/deskpet/internal/manifest"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest-or-dir>...",
		Short: "Validate backend manifests",
		Long: `Validate backend.yaml manifests against the manifest schema and the
semantic rules autoload applies. Directories are resolved to their
backend.yaml.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, arg := range args {
				path := arg
				if info, err := os.Stat(arg); err == nil && info.IsDir() {
					path = filepath.Join(arg, manifest.FileName)
				}
				m, err := validateManifest(path)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s %s)\n", path, m.ID, m.Version)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := manifest.ValidateSchema(data); err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

func newGenSchemaCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "gen-schema",
		Short: "Generate the backend manifest JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := manifest.GenerateSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			if outPath == "-" {
				_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			if err := os.WriteFile(outPath, schema, 0o600); err != nil {
				return fmt.Errorf("write schema: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", outPath)
			return err
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", filepath.Join("schemas", "backend.schema.json"), `output file, "-" for stdout`)
	return cmd
}
