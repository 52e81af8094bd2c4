package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"webui-deployer/internal/models"
	"webui-deployer/internal/probe"
	"webui-deployer/internal/web"
)

const maxLogLines = 10

type app struct {
	apiURL string
	client *Client
}

// NewRootCmd builds the deployctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "deployctl",
		Short: "Submit and watch WebUI deployments",
		Long: `deployctl talks to a running deployer service to check the escrow
balance, submit deployment configs and wait for the deployed WebUI to answer.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.client = NewClient(a.apiURL)
		},
		SilenceUsage: true,
	}

	defaultURL := os.Getenv("DEPLOYER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:5000"
	}
	root.PersistentFlags().StringVar(&a.apiURL, "api", defaultURL, "Deployer API URL")

	root.AddCommand(a.balanceCmd(), a.deployCmd(), a.listCmd(), a.statusCmd())
	return root
}

func (a *app) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the escrow balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.client.Balance(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to fetch balance: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, Title.Render("escrow balance"))
			fmt.Fprintln(out, field("available", b.UnlockedBalance.String()))
			fmt.Fprintln(out, field("locked", b.LockedBalance.String()))
			if !b.CanDeploy() {
				fmt.Fprintln(out, Unhealthy.Render("  no unlocked funds, deployments will be rejected"))
			}
			return nil
		},
	}
}

func (a *app) deployCmd() *cobra.Command {
	var (
		name       string
		configPath string
		wait       bool
		interval   time.Duration
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit a deployment config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yamlConfig := web.DefaultConfig()
			if configPath != "" {
				b, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("failed to read config: %w", err)
				}
				yamlConfig = string(b)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, Title.Render("deploying "+name))

			res, err := a.client.Deploy(cmd.Context(), name, yamlConfig)
			if err != nil {
				return fmt.Errorf("deploy failed: %w", err)
			}
			printDeployResult(out, res)

			if !wait {
				return nil
			}
			if res.Deployment.WebUIURL == nil || *res.Deployment.WebUIURL == "" {
				fmt.Fprintln(out, DimText.Render("no service URL reported yet, nothing to wait for"))
				return nil
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return waitForService(ctx, out, probe.New(10*time.Second), *res.Deployment.WebUIURL, interval)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", web.DefaultDeploymentName, "Deployment name")
	cmd.Flags().StringVarP(&configPath, "config", "f", "", "Deployment config file (defaults to the Stable Diffusion WebUI config)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the service answers")
	cmd.Flags().DurationVar(&interval, "interval", probe.DefaultInterval, "Polling interval while waiting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits until interrupted)")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deployments, err := a.client.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(deployments) == 0 {
				fmt.Fprintln(out, DimText.Render("no deployments yet"))
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, TableHeader.Render("ID")+"\t"+
				TableHeader.Render("NAME")+"\t"+
				TableHeader.Render("STATUS")+"\t"+
				TableHeader.Render("URL")+"\t"+
				TableHeader.Render("CREATED"))
			for _, d := range deployments {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					d.ID,
					Bold.Render(d.Name),
					d.Status,
					deref(d.WebUIURL),
					d.CreatedAt.Local().Format(time.DateTime),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments to show")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a deployment and check its service once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid deployment id %q", args[0])
			}

			d, err := a.client.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to fetch deployment: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, Title.Render(fmt.Sprintf("deployment %d", d.ID)))
			fmt.Fprintln(out, field("name", d.Name))
			fmt.Fprintln(out, field("status", d.Status))
			fmt.Fprintln(out, field("service", deref(d.WebUIURL)))
			if d.Error != nil {
				fmt.Fprintln(out, field("errors", Unhealthy.Render(*d.Error)))
			}

			if d.WebUIURL == nil {
				return nil
			}
			p, err := a.client.Probe(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to probe service: %w", err)
			}
			fmt.Fprintln(out, field("reachable", reachability(p.Reachable, p.StatusCode)))
			return nil
		},
	}
}

func printDeployResult(out io.Writer, res *DeployResult) {
	details := models.Payload(res.Details)

	fmt.Fprintln(out, field("deployment", strconv.FormatInt(res.Deployment.ID, 10)))
	fmt.Fprintln(out, field("lease", fmt.Sprint(valueOf(res.Transaction, "leaseId"))))
	if details != nil {
		fmt.Fprintln(out, field("provider", details.String("provider")))
		fmt.Fprintln(out, field("price/hour", details.String("pricePerHour")))
	}
	fmt.Fprintln(out, field("service", deref(res.Deployment.WebUIURL)))

	ports := models.ForwardedPorts(details)
	for _, service := range models.ServiceNames(ports) {
		for _, p := range ports[service] {
			fmt.Fprintf(out, "  %s %s:%d -> %s:%d/%s\n",
				DimText.Render("port"), service, p.Port, p.Host, p.ExternalPort, strings.ToLower(p.Proto))
		}
	}

	if res.Deployment.Error != nil {
		fmt.Fprintln(out, field("partial", Pending.Render(*res.Deployment.Error)))
	}

	if logs, ok := details["logs"].([]interface{}); ok && len(logs) > 0 {
		if len(logs) > maxLogLines {
			logs = logs[len(logs)-maxLogLines:]
		}
		fmt.Fprintln(out)
		for _, line := range logs {
			fmt.Fprintln(out, DimText.Render("  | "+fmt.Sprint(line)))
		}
	}
}

// waitForService polls url until it answers, ctx is cancelled or its
// deadline passes.
func waitForService(ctx context.Context, out io.Writer, p *probe.Prober, url string, interval time.Duration) error {
	fmt.Fprintf(out, "\nwaiting for %s ", url)

	res, err := p.WaitUntilReachable(ctx, url, interval, func(r probe.Result) {
		if !r.Reachable {
			fmt.Fprint(out, DimText.Render("."))
		}
	})
	fmt.Fprintln(out)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, DimText.Render("stopped waiting"))
			return nil
		}
		return fmt.Errorf("service did not come up: %w", err)
	}

	fmt.Fprintln(out, Healthy.Render("✓ ")+"service is up "+DimText.Render(fmt.Sprintf("(HTTP %d)", res.StatusCode)))
	return nil
}

func reachability(ok bool, status int) string {
	if ok {
		return Healthy.Render(fmt.Sprintf("yes (HTTP %d)", status))
	}
	return Pending.Render("not yet")
}

func valueOf(m map[string]interface{}, key string) interface{} {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
