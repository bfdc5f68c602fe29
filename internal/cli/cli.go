// Package cli is the cmux command-line front-end: each subcommand maps to
// one control-socket method and prints the result as JSON.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cmux-sh/cmux/internal/appclient"
	"github.com/cmux-sh/cmux/internal/config"
)

// ErrReported marks a failure already rendered to the output stream; the
// caller should exit nonzero without printing anything further.
var ErrReported = errors.New("request failed")

// Caller abstracts the socket client so commands can be tested without a
// running application.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

type App struct {
	out    io.Writer
	client Caller
	log    zerolog.Logger

	socketPath string
	idFormat   string
	window     string
	workspace  string
	surface    string
	jsonOutput bool
}

type Option func(*App)

func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

func WithCaller(c Caller) Option {
	return func(a *App) { a.client = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(a *App) { a.log = log }
}

func NewRootCommand(opts ...Option) *cobra.Command {
	a := &App{out: os.Stdout, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:           "cmux",
		Short:         "Drive the terminal from scripts and agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if a.client != nil {
				return
			}
			cfg := config.DefaultConfig()
			if a.socketPath != "" {
				cfg.SocketPath = a.socketPath
			}
			a.client = appclient.New(cfg, appclient.WithLogger(a.log))
		},
	}
	root.PersistentFlags().StringVar(&a.socketPath, "socket", "", "control socket path (default: $CMUX_SOCKET_PATH)")
	root.PersistentFlags().StringVar(&a.idFormat, "id-format", "", "identity format: refs, uuids, or both")
	root.PersistentFlags().StringVar(&a.window, "window", "", "target window (ref or id)")
	root.PersistentFlags().StringVar(&a.workspace, "workspace", "", "target workspace (ref or id)")
	root.PersistentFlags().StringVar(&a.surface, "surface", "", "target surface (ref or id)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print the full response envelope, including failures")

	root.AddCommand(
		a.systemCommands(),
		a.windowCommand(),
		a.workspaceCommand(),
		a.surfaceCommand(),
		a.notifyCommand(),
		a.notificationsCommand(),
		a.sidebarCommand(),
	)
	return root
}

// params assembles the shared request parameters. An explicit --workspace or
// --surface flag wins over the identity inherited from the shell; the
// inherited identity is forwarded separately so the application can treat it
// as a soft fallback.
func (a *App) params(extra map[string]any) map[string]any {
	p := map[string]any{}
	if a.idFormat != "" {
		p["id_format"] = a.idFormat
	}
	if a.window != "" {
		p["window"] = a.window
	}
	if a.workspace != "" {
		p["workspace"] = a.workspace
	} else if ambient := config.AmbientWorkspaceID(); ambient != "" {
		p["ambient_workspace"] = ambient
	}
	if a.surface != "" {
		p["surface"] = a.surface
	} else if ambient := config.AmbientSurfaceID(); ambient != "" {
		p["ambient_surface"] = ambient
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func (a *App) call(cmd *cobra.Command, method string, extra map[string]any) error {
	var result json.RawMessage
	if err := a.client.Call(cmd.Context(), method, a.params(extra), &result); err != nil {
		var reqErr *appclient.RequestError
		if a.jsonOutput && errors.As(err, &reqErr) {
			// Scripts branch on error.kind; the envelope goes to stdout.
			if perr := a.printEnvelope(false, nil, reqErr); perr != nil {
				return perr
			}
			return ErrReported
		}
		return err
	}
	if a.jsonOutput {
		return a.printEnvelope(true, result, nil)
	}
	return a.print(result)
}

func (a *App) printEnvelope(ok bool, result json.RawMessage, reqErr *appclient.RequestError) error {
	envelope := map[string]any{"ok": ok}
	if ok {
		if len(result) == 0 {
			result = json.RawMessage("{}")
		}
		envelope["result"] = result
	} else {
		envelope["error"] = map[string]string{"kind": reqErr.Kind, "message": reqErr.Message}
	}
	buf, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(buf))
	return err
}

func (a *App) print(result json.RawMessage) error {
	var buf []byte
	if len(result) == 0 {
		buf = []byte("{}")
	} else {
		var err error
		buf, err = json.MarshalIndent(json.RawMessage(result), "", "  ")
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(a.out, string(buf))
	return err
}

func (a *App) systemCommands() *cobra.Command {
	system := &cobra.Command{Use: "system", Short: "Application-level queries"}
	system.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the application is reachable",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "system.ping", nil)
			},
		},
		&cobra.Command{
			Use:   "capabilities",
			Short: "List supported methods",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "system.capabilities", nil)
			},
		},
		&cobra.Command{
			Use:   "identify",
			Short: "Show which workspace and surface this shell runs in",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "system.identify", nil)
			},
		},
	)
	return system
}

func (a *App) windowCommand() *cobra.Command {
	window := &cobra.Command{Use: "window", Short: "Manage windows"}
	window.AddCommand(
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "window.list", nil)
			},
		},
		&cobra.Command{
			Use:  "current",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "window.current", nil)
			},
		},
		&cobra.Command{
			Use:  "focus <window>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "window.focus", map[string]any{"window": args[0]})
			},
		},
	)
	return window
}

func (a *App) workspaceCommand() *cobra.Command {
	workspace := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

	create := &cobra.Command{
		Use:  "create",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			title, _ := cmd.Flags().GetString("title")
			extra := map[string]any{}
			if title != "" {
				extra["title"] = title
			}
			return a.call(cmd, "workspace.create", extra)
		},
	}
	create.Flags().String("title", "", "workspace title")

	workspace.AddCommand(
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "workspace.list", nil)
			},
		},
		create,
		&cobra.Command{
			Use:  "select <workspace>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "workspace.select", map[string]any{"workspace": args[0]})
			},
		},
		&cobra.Command{
			Use:  "current",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "workspace.current", nil)
			},
		},
		&cobra.Command{
			Use:  "close",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "workspace.close", nil)
			},
		},
		&cobra.Command{
			Use:  "rename <title>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "workspace.rename", map[string]any{"title": args[0]})
			},
		},
	)
	return workspace
}

func (a *App) surfaceCommand() *cobra.Command {
	surface := &cobra.Command{Use: "surface", Short: "Manage surfaces (panes' content)"}

	split := &cobra.Command{
		Use:  "split",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			direction, _ := cmd.Flags().GetString("direction")
			kind, _ := cmd.Flags().GetString("kind")
			url, _ := cmd.Flags().GetString("url")
			extra := map[string]any{"direction": direction}
			if kind != "" {
				extra["kind"] = kind
			}
			if url != "" {
				extra["url"] = url
			}
			return a.call(cmd, "surface.split", extra)
		},
	}
	split.Flags().String("direction", "right", "split direction: right, left, up, or down")
	split.Flags().String("kind", "", "surface kind: terminal or browser")
	split.Flags().String("url", "", "initial URL for browser surfaces")

	surface.AddCommand(
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "surface.list", nil)
			},
		},
		split,
		&cobra.Command{
			Use:  "focus <surface>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "surface.focus", map[string]any{"surface": args[0]})
			},
		},
		&cobra.Command{
			Use:  "close",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "surface.close", nil)
			},
		},
		&cobra.Command{
			Use:   "send-text <text>",
			Short: "Type text into a surface",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "surface.send_text", map[string]any{"text": args[0]})
			},
		},
		&cobra.Command{
			Use:   "send-key <key>",
			Short: "Send a named key, e.g. enter or ctrl+c",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "surface.send_key", map[string]any{"key": args[0]})
			},
		},
	)
	return surface
}

func (a *App) notifyCommand() *cobra.Command {
	notify := &cobra.Command{
		Use:   "notify <title>",
		Short: "Post a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subtitle, _ := cmd.Flags().GetString("subtitle")
			body, _ := cmd.Flags().GetString("body")
			extra := map[string]any{"title": args[0]}
			if subtitle != "" {
				extra["subtitle"] = subtitle
			}
			if body != "" {
				extra["body"] = body
			}
			return a.call(cmd, "notification.create", extra)
		},
	}
	notify.Flags().String("subtitle", "", "notification subtitle")
	notify.Flags().String("body", "", "notification body")
	return notify
}

func (a *App) notificationsCommand() *cobra.Command {
	notifications := &cobra.Command{Use: "notifications", Short: "Inspect posted notifications"}
	notifications.AddCommand(
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "notification.list", nil)
			},
		},
		&cobra.Command{
			Use:  "clear",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "notification.clear", nil)
			},
		},
	)
	return notifications
}

func (a *App) sidebarCommand() *cobra.Command {
	sidebar := &cobra.Command{Use: "sidebar", Short: "Workspace sidebar metadata"}

	statusSet := &cobra.Command{
		Use:  "set <key> <value>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			icon, _ := cmd.Flags().GetString("icon")
			priority, _ := cmd.Flags().GetInt("priority")
			extra := map[string]any{"key": args[0], "value": args[1], "priority": priority}
			if icon != "" {
				extra["icon"] = icon
			}
			return a.call(cmd, "sidebar.set_status", extra)
		},
	}
	statusSet.Flags().String("icon", "", "status icon name")
	statusSet.Flags().Int("priority", 0, "sort priority, highest first")

	status := &cobra.Command{Use: "status", Short: "Key/value status entries"}
	status.AddCommand(
		statusSet,
		&cobra.Command{
			Use:  "clear <key>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "sidebar.clear_status", map[string]any{"key": args[0]})
			},
		},
	)

	progress := &cobra.Command{Use: "progress", Short: "Workspace progress indicator"}
	progress.AddCommand(
		&cobra.Command{
			Use:  "set <fraction>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				fraction, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return fmt.Errorf("invalid fraction %q: %w", args[0], err)
				}
				return a.call(cmd, "sidebar.set_progress", map[string]any{"fraction": fraction})
			},
		},
		&cobra.Command{
			Use:  "clear",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "sidebar.clear_progress", nil)
			},
		},
	)

	sidebar.AddCommand(
		&cobra.Command{
			Use:  "state",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.call(cmd, "sidebar.state", nil)
			},
		},
		status,
		progress,
		&cobra.Command{
			Use:  "log <message>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, "sidebar.log", map[string]any{"message": args[0]})
			},
		},
	)
	return sidebar
}
