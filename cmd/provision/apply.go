package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/aws"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/graph"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/log"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/spf13/cobra"
)

// instanceNode resolves the host of a plan targeting an EC2 instance.
const instanceNode = "instance_address"

type applyOptions struct {
	file        string
	parallelism int
	logDir      string
}

func newApplyCmd() *cobra.Command {
	o := applyOptions{}
	v := newViper()

	cmd := &cobra.Command{
		Use:   "apply -f plan.yaml",
		Short: "Run the steps of a plan against its host",
		Long: `Run the steps of a plan against its host, each one after the steps it
depends on succeeded. The host may still be booting: every step keeps
retrying the connection until it succeeds or the retry policy gives up.

Connection settings in the plan can be overridden from the environment,
e.g. PROVISIONER_CONNECTION_HOST. Credentials are read from
PROVISIONER_PRIVATE_KEY, PROVISIONER_PRIVATE_KEY_PASSPHRASE and
PROVISIONER_PASSWORD when not given as a private_key_file.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, secrets, err := loadPlan(v, o.file)
			if err != nil {
				return err
			}
			if err := plan.Validate(); err != nil {
				return err
			}
			report, err := o.run(cmd.Context(), plan, secrets, ec2Factory)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&o.file, "file", "f", "", "the plan file")
	cmd.Flags().IntVar(&o.parallelism, "parallelism", graph.DefaultParallelism, "the maximum number of steps running at once")
	cmd.Flags().StringVar(&o.logDir, "log-dir", "", "write the output of each step to a file in this directory")
	_ = cmd.MarkFlagRequired("file")
	_ = v.BindPFlag("log_dir", cmd.Flags().Lookup("log-dir"))
	cmd.PreRun = func(*cobra.Command, []string) { o.logDir = v.GetString("log_dir") }

	return cmd
}

// clientFactory returns the EC2 client used for instance addresses and the
// security group preflight.
type clientFactory func(ctx context.Context, region string) (aws.API, error)

var ec2Factory clientFactory = func(ctx context.Context, region string) (aws.API, error) {
	return aws.NewClient(ctx, region)
}

// run builds the graph of 'plan' and applies it.
func (o applyOptions) run(ctx context.Context, plan *Plan, secrets Secrets, newClient clientFactory) (*graph.Report, error) {
	logger := clog.FromContext(ctx)

	host := provision.NewDeferred[string]()
	if plan.Connection.Host != "" {
		host = provision.Known(plan.Connection.Host)
	}
	conn, err := plan.connection(host, secrets)
	if err != nil {
		return nil, err
	}

	files := log.StepFiles{Directory: o.logDir}
	p := provision.New(
		provision.WithOutput(files.Open),
		provision.WithObserver(func(t provision.Transition) {
			logger.DebugContext(ctx, "step transition", "step", t.Step, "from", t.From, "to", t.To)
		}),
	)

	g := graph.New()
	var implicit []string

	c := plan.Connection
	if c.InstanceID != "" || c.SecurityGroupID != "" {
		client, err := newClient(ctx, c.Region)
		if err != nil {
			return nil, err
		}
		if c.SecurityGroupID != "" {
			preflight(ctx, client, c.SecurityGroupID, conn.Port)
		}
		if c.InstanceID != "" {
			implicit = append(implicit, instanceNode)
			if err := g.Add(graph.Node{
				Name: instanceNode,
				Run: func(ctx context.Context) error {
					addr, err := aws.InstanceAddress(ctx, client, c.InstanceID)
					if err != nil {
						host.Fail(err)
						return err
					}
					logger.InfoContext(ctx, "resolved instance address", "instance", c.InstanceID, "address", addr)
					host.Resolve(addr)
					return nil
				},
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range plan.Steps {
		node := graph.Node{
			Name:      s.Name,
			DependsOn: append(append([]string{}, implicit...), s.DependsOn...),
		}
		switch {
		case s.CopyFile != nil:
			step, err := copyStep(s, conn)
			if err != nil {
				return nil, err
			}
			node.Run = func(ctx context.Context) error {
				ctx, done := files.Attach(ctx, s.Name)
				defer done()
				_, err := p.Copy(ctx, step)
				return err
			}
		case s.RemoteExec != nil:
			step := provision.RemoteExec{
				Name:     s.Name,
				Conn:     conn,
				Commands: s.RemoteExec.Commands,
				Shell:    s.RemoteExec.Shell,
				Env:      s.RemoteExec.Env,
			}
			node.Run = func(ctx context.Context) error {
				ctx, done := files.Attach(ctx, s.Name)
				defer done()
				res, err := p.Exec(ctx, step)
				for _, out := range res.Outputs {
					clog.FromContext(ctx).DebugContext(ctx, "command output", "index", out.Index, "command", out.Command, "output", out.Output)
				}
				return err
			}
		}
		if err := g.Add(node); err != nil {
			return nil, err
		}
	}

	return g.Apply(ctx, graph.Options{Parallelism: o.parallelism})
}

func copyStep(s StepConfig, conn provision.Connection) (provision.CopyFile, error) {
	step := provision.CopyFile{
		Name:        s.Name,
		Conn:        conn,
		Source:      expandHome(s.CopyFile.Source),
		Destination: s.CopyFile.Destination,
	}
	mode, err := provision.ParseMode(s.CopyFile.Mode)
	if err != nil {
		return provision.CopyFile{}, &provision.ConfigError{Field: s.Name + ".mode", Err: err}
	}
	step.Mode = mode
	return step, nil
}

// preflight warns when the security group does not let SSH in. It never
// fails the run: the rule may be added while the host boots.
func preflight(ctx context.Context, client aws.SecurityGroupAPI, groupID string, port uint16) {
	if port == 0 {
		port = provision.DefaultPort
	}
	ok, err := aws.CheckSSHIngress(ctx, client, groupID, int32(port))
	switch {
	case err != nil:
		clog.WarnContext(ctx, "failed to check security group", "security_group", groupID, "error", err)
	case !ok:
		clog.WarnContext(ctx, "security group does not allow SSH ingress, connections will likely time out", "security_group", groupID, "port", port)
	}
}

func printReport(w io.Writer, report *graph.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tDURATION\tERROR")
	for _, r := range report.Results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), msg)
	}
	_ = tw.Flush()
}
