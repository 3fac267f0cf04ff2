package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"middlewared/client"
	"middlewared/config"
	"middlewared/discovery"
	"middlewared/loadbalance"
)

var (
	callURL     string
	callStream  string
	callToken   string
	callTimeout time.Duration
	callVerbose bool
	callViaEtcd bool
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAM...]",
	Short: "Invoke a method on a running daemon",
	Long: `Invoke namespace.method with positional parameters and print the result.

Each PARAM is parsed as JSON; anything that is not valid JSON is sent as a
string.

Examples:
  middlewared call core.ping
  middlewared call datastore.query services.cifs null '{"get": true}'
  middlewared call --stream unix:/run/middlewared.sock service.enable ssh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		caller, closeFn, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := caller(ctx, args[0], parseParams(args[1:])...)
		return printResult(cmd.OutOrStdout(), result, err, callVerbose)
	},
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callURL, "url", "", "websocket URL (default: from listen.websocket)")
	f.StringVar(&callStream, "stream", "", "framed stream address, host:port or unix:/path")
	f.StringVar(&callToken, "token", "", "bearer token for token authentication")
	f.DurationVar(&callTimeout, "timeout", 30*time.Second, "call timeout")
	f.BoolVarP(&callVerbose, "verbose", "v", false, "print remote stack traces")
	f.BoolVar(&callViaEtcd, "discover", false, "pick a daemon through discovery.endpoints")
	servicesCmd.Flags().AddFlagSet(f)
}

type callFunc func(ctx context.Context, method string, params ...any) (json.RawMessage, error)

// connect dials the daemon selected by the call flags.
func connect(ctx context.Context, cfg *config.Config) (callFunc, func(), error) {
	var opts []client.Option
	if callToken != "" {
		opts = append(opts, client.WithToken(callToken))
	}

	if callViaEtcd {
		if len(cfg.Discovery.Endpoints) == 0 {
			return nil, nil, errors.New("--discover needs discovery.endpoints")
		}
		reg, err := discovery.NewEtcdRegistry(cfg.Discovery.Endpoints, nil)
		if err != nil {
			return nil, nil, err
		}
		bal, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			return nil, nil, err
		}
		cl := client.NewCluster(client.ClusterConfig{
			Registry:   reg,
			Balancer:   bal,
			Dial:       client.WebsocketDialer(cfg.Listen.Path, opts...),
			MaxRetries: 2,
		})
		return cl.Call, func() { _ = cl.Close(); _ = reg.Close() }, nil
	}

	var (
		c   *client.Client
		err error
	)
	switch {
	case callStream != "":
		c, err = client.DialStream(ctx, callStream, opts...)
	case callURL != "":
		c, err = client.Dial(ctx, callURL, opts...)
	default:
		c, err = client.Dial(ctx, "ws://"+cfg.Listen.Websocket+cfg.Listen.Path, opts...)
	}
	if err != nil {
		return nil, nil, err
	}
	return c.Call, func() { _ = c.Close() }, nil
}

// parseParams decodes each argument as JSON, falling back to a string.
func parseParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		if json.Valid([]byte(a)) {
			params[i] = json.RawMessage(a)
		} else {
			params[i] = a
		}
	}
	return params
}

func printResult(w io.Writer, result json.RawMessage, err error, verbose bool) error {
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	var remote *client.RemoteError
	if errors.As(err, &remote) {
		fmt.Fprintf(w, "%s %s\n", red("error:"), remote.Message)
		if verbose && remote.Stacktrace != "" {
			fmt.Fprintln(w, color.New(color.Faint).Sprint(strings.TrimRight(remote.Stacktrace, "\n")))
		}
		return errors.New("call failed")
	}
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		out.Reset()
		out.Write(result)
	}
	fmt.Fprintln(w, color.New(color.FgGreen).Sprint(out.String()))
	return nil
}
