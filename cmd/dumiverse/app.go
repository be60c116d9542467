package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DUMIVERSE"

func submain(ctx context.Context) int {
	cmd := newRootCommand(os.Stdout)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Errorf("%v", err)
		}
		_ = logger.Sync()
		return 1
	}
	_ = logger.Sync()
	return 0
}

func newRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "dumiverse",
		Short:         "Single-tenant remote render coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			level, err := logger.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			if v.GetBool("debug") && level > logger.LevelDebug {
				level = logger.LevelDebug
			}
			logger.SetLevel(level)
			return nil
		},
	}
	cmd.SetOut(out)

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.String("config", "", "path to a YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.Bool("debug", false, "enable debug logging and gin debug mode")
	if err := bindFlags(v, persistentFlags); err != nil {
		panic(err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newServeCommand(v),
		newTokenCommand(v),
		newClientCommand(v),
	)
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(flag *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(flag.Name, flag); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", flag.Name, bindErr)
		}
	})
	return err
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	logger.Debugf("[cli] loaded config file %s", expanded)
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			logger.Infof("[cli] shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
