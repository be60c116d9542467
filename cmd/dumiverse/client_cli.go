package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/bhandras/dumiverse/pkg/client"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:3000"

func newClientCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running coordinator",
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.String("server", defaultServer, "coordinator base URL")
	persistentFlags.String("token", "", "bearer token")

	simple := func(use, short string, call func(context.Context, *client.Client) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			PreRunE: func(cmd *cobra.Command, args []string) error {
				return bindFlags(v, cmd.Flags())
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newClient(v)
				if err != nil {
					return err
				}
				result, err := call(cmd.Context(), c)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			},
		}
	}

	cmd.AddCommand(
		simple("open", "Open the connection", func(ctx context.Context, c *client.Client) (any, error) {
			return map[string]bool{"success": true}, c.Open(ctx)
		}),
		simple("interrupt", "Interrupt the running render", func(ctx context.Context, c *client.Client) (any, error) {
			return map[string]bool{"success": true}, c.Interrupt(ctx)
		}),
		simple("percent", "Print render progress", func(ctx context.Context, c *client.Client) (any, error) {
			p, err := c.Percent(ctx)
			return map[string]float64{"percent": p}, err
		}),
		simple("check-buffer", "Report whether an output buffer exists", func(ctx context.Context, c *client.Client) (any, error) {
			return c.CheckBuffer(ctx)
		}),
		simple("status", "Print the coordinator state", func(ctx context.Context, c *client.Client) (any, error) {
			return c.Status(ctx)
		}),
		simple("close", "Close the connection", func(ctx context.Context, c *client.Client) (any, error) {
			return map[string]bool{"success": true}, c.Close(ctx)
		}),
		newClientInitCommand(v),
		newClientRenderCommand(v, false),
		newClientRenderCommand(v, true),
	)
	return cmd
}

func newClientInitCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Upload a scene and patch",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			scene, patch, err := readScene(v)
			if err != nil {
				return err
			}
			w, h, err := c.Init(cmd.Context(), scene, patch)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"width": w, "height": h})
		},
	}
	addSceneFlags(cmd)
	return cmd
}

// newClientRenderCommand builds "render", or "run" when full is set. run
// performs open, init, render and close in one invocation.
func newClientRenderCommand(v *viper.Viper, full bool) *cobra.Command {
	use, short := "render", "Render and save the output buffer"
	if full {
		use, short = "run", "Open, initialize, render and close in one step"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := newClient(v)
			if err != nil {
				return err
			}
			parameters, err := readInput(v.GetString("parameters"))
			if err != nil {
				return fmt.Errorf("parameters: %w", err)
			}
			settings, err := readInput(v.GetString("settings"))
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}

			if full {
				scene, patch, err := readScene(v)
				if err != nil {
					return err
				}
				if err := c.Open(ctx); err != nil {
					return err
				}
				defer func() {
					if err := c.Close(context.WithoutCancel(ctx)); err != nil {
						logger.Warnf("[client] close: %v", err)
					}
				}()
				if _, _, err := c.Init(ctx, scene, patch); err != nil {
					return err
				}
			}

			return renderTo(ctx, cmd.OutOrStdout(), c, v, parameters, settings)
		},
	}

	if full {
		addSceneFlags(cmd)
	}
	flags := cmd.Flags()
	flags.String("parameters", "", "device parameters JSON, or @file")
	flags.String("settings", "", "render settings JSON, or @file")
	flags.String("out", "", "output file (required)")
	flags.Bool("gzip", false, "request gzip-compressed output over the wire")
	flags.Duration("progress-interval", time.Second, "progress log interval, 0 disables")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func renderTo(ctx context.Context, stdout io.Writer, c *client.Client, v *viper.Viper, parameters, settings []byte) error {
	if interval := v.GetDuration("progress-interval"); interval > 0 {
		progressCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			_ = c.WaitForProgress(progressCtx, interval, func(p float64) {
				logger.Infof("[client] render %.1f%% complete", p)
			})
		}()
	}

	start := time.Now()
	frame, err := c.Render(ctx, parameters, settings)
	if err != nil {
		return err
	}

	if err := os.WriteFile(v.GetString("out"), frame.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Infof("[client] render %s finished in %v (%s)", frame.JobID, time.Since(start).Round(time.Millisecond),
		humanize.Bytes(uint64(len(frame.Data))))

	return writeJSON(stdout, map[string]any{
		"job":    frame.JobID,
		"width":  frame.Width,
		"height": frame.Height,
		"bytes":  len(frame.Data),
		"out":    v.GetString("out"),
	})
}

func addSceneFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("scene", "", "scene (.ass) file, raw or compressed (required)")
	flags.String("patch", "", "patch descriptor JSON, or @file (required)")
	_ = cmd.MarkFlagRequired("scene")
	_ = cmd.MarkFlagRequired("patch")
}

func readScene(v *viper.Viper) ([]byte, []byte, error) {
	scene, err := os.ReadFile(v.GetString("scene"))
	if err != nil {
		return nil, nil, fmt.Errorf("scene: %w", err)
	}
	patch, err := readInput(v.GetString("patch"))
	if err != nil {
		return nil, nil, fmt.Errorf("patch: %w", err)
	}
	if len(patch) == 0 {
		return nil, nil, errors.New("patch is empty")
	}
	return scene, patch, nil
}

// readInput returns s, or the contents of the named file when s starts with @.
func readInput(s string) ([]byte, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		return os.ReadFile(name)
	}
	return []byte(s), nil
}

func newClient(v *viper.Viper) (*client.Client, error) {
	var opts []client.Option
	if token := v.GetString("token"); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	if v.GetBool("gzip") {
		opts = append(opts, client.WithCompressedRender())
	}
	return client.New(v.GetString("server"), opts...)
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
