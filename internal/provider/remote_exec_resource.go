package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provider/framework"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework-timeouts/resource/timeouts"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/listplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/mapplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
)

// Ensure provider defined types fully satisfy framework interfaces.
var (
	_ resource.Resource              = &RemoteExecResource{}
	_ resource.ResourceWithConfigure = &RemoteExecResource{}
)

func NewRemoteExecResource() resource.Resource {
	return &RemoteExecResource{WithTypeName: "remote_exec"}
}

// RemoteExecResource runs commands on a host.
type RemoteExecResource struct {
	framework.WithTypeName
	framework.WithNoOpRead
	framework.WithNoOpDelete
	framework.WithPlanAsState

	store *ProviderStore
}

// RemoteExecResourceModel describes the resource data model.
type RemoteExecResourceModel struct {
	Id         types.String     `tfsdk:"id"`
	Host       types.String     `tfsdk:"host"`
	Connection *ConnectionModel `tfsdk:"connection"`
	Triggers   types.Map        `tfsdk:"triggers"`
	Commands   types.List       `tfsdk:"commands"`
	Shell      types.String     `tfsdk:"shell"`
	Env        types.Map        `tfsdk:"env"`
	Outputs    types.List       `tfsdk:"outputs"`
	Timeouts   timeouts.Value   `tfsdk:"timeouts"`
}

func (r *RemoteExecResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Runs commands, in order, in a single shell on a host once it accepts SSH connections. " +
			"The first command exiting non-zero fails the resource and the remaining commands are not run. " +
			"Destroying the resource does not undo anything.",

		Attributes: addConnectionSchemaAttributes(map[string]schema.Attribute{
			"commands": schema.ListAttribute{
				Description: "The commands to run. They share one shell, so directory and environment changes carry over.",
				Required:    true,
				ElementType: basetypes.StringType{},
				PlanModifiers: []planmodifier.List{
					listplanmodifier.RequiresReplace(),
				},
			},
			"shell": schema.StringAttribute{
				Description: fmt.Sprintf("The shell to run the commands in, one of %s. Defaults to %q.", strings.Join(ssh.Shells, ", "), ssh.ShellSh),
				Optional:    true,
				Validators: []validator.String{
					framework.OneOf(ssh.Shells...),
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"env": schema.MapAttribute{
				Description: "Environment variables exported before the first command.",
				Optional:    true,
				ElementType: basetypes.StringType{},
				PlanModifiers: []planmodifier.Map{
					mapplanmodifier.RequiresReplace(),
				},
			},
			"outputs": schema.ListAttribute{
				Description: "The combined stdout and stderr of each command.",
				Computed:    true,
				ElementType: basetypes.StringType{},
				PlanModifiers: []planmodifier.List{
					listplanmodifier.UseStateForUnknown(),
				},
			},
			"timeouts": timeouts.Attributes(ctx, timeouts.Opts{
				Create: true,
			}),
		}),
	}
}

func (r *RemoteExecResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.store = configure(req, resp)
}

func (r *RemoteExecResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data RemoteExecResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	timeout, diags := data.Timeouts.Create(ctx, defaultCreateTimeout)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var commands []string
	resp.Diagnostics.Append(data.Commands.ElementsAs(ctx, &commands, false)...)
	env := make(map[string]string)
	resp.Diagnostics.Append(data.Env.ElementsAs(ctx, &env, false)...)
	conn, diags := r.store.Connection(data.Host.ValueString(), data.Connection)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.Id = types.StringValue(uuid.NewString())
	name := stepName("remote_exec", data.Id.ValueString())
	ctx, done := r.store.Logger(ctx, name, "host", data.Host.ValueString())
	defer done()

	res, err := r.store.Provisioner().Exec(ctx, provision.RemoteExec{
		Name:     name,
		Conn:     conn,
		Commands: commands,
		Shell:    data.Shell.ValueString(),
		Env:      env,
	})
	if err != nil {
		resp.Diagnostics.Append(execDiagnostic(err))
		return
	}
	clog.FromContext(ctx).InfoContext(ctx, "ran commands", "count", len(res.Outputs), "attempts", res.Attempts, "duration", res.Duration)

	outputs := make([]string, 0, len(res.Outputs))
	for _, o := range res.Outputs {
		outputs = append(outputs, o.Output)
	}
	data.Outputs, diags = types.ListValueFrom(ctx, types.StringType, outputs)
	resp.Diagnostics.Append(diags...)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// execDiagnostic reports a failed RemoteExec. For a failed command the
// detail carries the command's output, which is usually what explains it.
func execDiagnostic(err error) diag.Diagnostic {
	var cmdErr *provision.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Output == "" {
		return errorDiagnostic("failed to run remote commands", err)
	}
	lines := slices.Collect(strings.Lines(cmdErr.Output))
	const tail = 50
	if len(lines) > tail {
		lines = append([]string{fmt.Sprintf("... (%d lines omitted)\n", len(lines)-tail)}, lines[len(lines)-tail:]...)
	}
	return framework.ErrorDiagnostic(
		provision.Kind(err),
		"failed to run remote commands",
		fmt.Errorf("%w\n\noutput:\n%s", err, strings.Join(lines, "")),
	)
}
