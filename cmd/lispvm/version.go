package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"lispvm/internal/chunk"
	"lispvm/internal/version"
	"lispvm/internal/vm"
)

const versionTagline = "registers all the way down"

// versionReport is the JSON form of `lispvm version`. Build fields are
// present only when requested.
type versionReport struct {
	Tool        string `json:"tool"`
	Version     string `json:"version"`
	Tagline     string `json:"tagline"`
	ImageSchema uint16 `json:"image_schema"`
	Opcodes     int    `json:"opcodes"`
	StackSize   int    `json:"default_stack_size"`
	GitCommit   string `json:"git_commit,omitempty"`
	GitMessage  string `json:"git_message,omitempty"`
	BuildDate   string `json:"build_date,omitempty"`
}

var versionFlags struct {
	format  string
	hash    bool
	message bool
	date    bool
	full    bool
}

func init() {
	versionCmd.Flags().BoolVar(&versionFlags.hash, "hash", false, "include git commit hash")
	versionCmd.Flags().BoolVar(&versionFlags.message, "message", false, "include git commit message")
	versionCmd.Flags().BoolVar(&versionFlags.date, "date", false, "include build timestamp")
	versionCmd.Flags().BoolVar(&versionFlags.full, "full", false, "show every recorded bit of build metadata")
	versionCmd.Flags().StringVar(&versionFlags.format, "format", "pretty", "output format (pretty|json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show lispvm build and engine metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report := newVersionReport(version.Current())
		switch strings.ToLower(versionFlags.format) {
		case "json":
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "pretty":
			renderVersionPretty(cmd.OutOrStdout(), report)
			return nil
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", versionFlags.format)
		}
	},
}

func newVersionReport(info version.Info) versionReport {
	r := versionReport{
		Tool:        "lispvm",
		Version:     info.Version,
		Tagline:     versionTagline,
		ImageSchema: chunk.ImageSchema,
		Opcodes:     int(chunk.MaxOpcode) + 1,
		StackSize:   vm.DefaultStackSize,
	}
	if versionFlags.hash || versionFlags.full {
		r.GitCommit = orUnknown(info.GitCommit)
	}
	if versionFlags.message || versionFlags.full {
		r.GitMessage = orUnknown(info.GitMessage)
	}
	if versionFlags.date || versionFlags.full {
		r.BuildDate = orUnknown(info.BuildDate)
	}
	return r
}

func renderVersionPretty(out io.Writer, r versionReport) {
	fmt.Fprintf(out, "lispvm %s: %s\n", version.Current().Colored(), r.Tagline) //nolint:errcheck
	fmt.Fprintf(out, "image schema %d, %d opcodes, %d stack slots\n", //nolint:errcheck
		r.ImageSchema, r.Opcodes, r.StackSize)
	for _, f := range []struct{ label, value string }{
		{"commit", r.GitCommit},
		{"message", r.GitMessage},
		{"built", r.BuildDate},
	} {
		if f.value != "" {
			fmt.Fprintf(out, "%-8s %s\n", f.label+":", f.value) //nolint:errcheck
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
