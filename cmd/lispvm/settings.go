package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"lispvm/internal/config"
	"lispvm/internal/trace"
)

// loadSettings reads the settings file named by --config (or found upwards
// from the working directory) and applies the trace flags the user set.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	path, err := flags.GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	var cfg config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Discover(".")
	}
	if err != nil {
		return config.Config{}, err
	}

	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{"trace", &cfg.Trace.Output},
		{"trace-level", &cfg.Trace.Level},
		{"trace-mode", &cfg.Trace.Mode},
		{"trace-format", &cfg.Trace.Format},
	} {
		if err := overrideString(flags, o.flag, o.dst); err != nil {
			return config.Config{}, err
		}
	}
	if flags.Changed("trace-ring-size") {
		if cfg.Trace.RingSize, err = flags.GetInt("trace-ring-size"); err != nil {
			return config.Config{}, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
		}
	}
	// An explicit trace destination without a level traces runs.
	if flags.Changed("trace") && !flags.Changed("trace-level") && cfg.Trace.Level == trace.LevelOff.String() {
		cfg.Trace.Level = trace.LevelRun.String()
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func overrideString(fs *pflag.FlagSet, name string, dst *string) error {
	if !fs.Changed(name) {
		return nil
	}
	v, err := fs.GetString(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*dst = v
	return nil
}

// setupTracing creates the event tracer described by cfg. It returns a
// cleanup function that stops the heartbeat and flushes the tracer.
func setupTracing(cmd *cobra.Command, cfg *config.Config) (trace.Tracer, func(), error) {
	tc, err := cfg.TracerConfig()
	if err != nil {
		return nil, nil, err
	}
	if tc.Level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return trace.Nop, func() {}, nil
	}
	tc.Heartbeat, err = cmd.Root().PersistentFlags().GetDuration("trace-heartbeat")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}

	tracer, err := trace.New(tc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))

	var heartbeat *trace.Heartbeat
	if tc.Heartbeat > 0 {
		heartbeat = trace.StartHeartbeat(tracer, tc.Heartbeat)
	}
	cleanup := func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err) //nolint:errcheck
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err) //nolint:errcheck
		}
	}
	return tracer, cleanup, nil
}
