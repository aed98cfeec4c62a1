package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provider/framework"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework-timeouts/resource/timeouts"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

const defaultCreateTimeout = 15 * time.Minute

// Ensure provider defined types fully satisfy framework interfaces.
var (
	_ resource.Resource               = &CopyFileResource{}
	_ resource.ResourceWithConfigure  = &CopyFileResource{}
	_ resource.ResourceWithModifyPlan = &CopyFileResource{}
)

func NewCopyFileResource() resource.Resource {
	return &CopyFileResource{WithTypeName: "copy_file"}
}

// CopyFileResource uploads a local file to a host.
type CopyFileResource struct {
	framework.WithTypeName
	framework.WithNoOpRead
	framework.WithNoOpDelete
	framework.WithPlanAsState

	store *ProviderStore
}

// CopyFileResourceModel describes the resource data model.
type CopyFileResourceModel struct {
	Id           types.String     `tfsdk:"id"`
	Host         types.String     `tfsdk:"host"`
	Connection   *ConnectionModel `tfsdk:"connection"`
	Triggers     types.Map        `tfsdk:"triggers"`
	Source       types.String     `tfsdk:"source"`
	Destination  types.String     `tfsdk:"destination"`
	Mode         types.String     `tfsdk:"mode"`
	SourceSHA256 types.String     `tfsdk:"source_sha256"`
	Timeouts     timeouts.Value   `tfsdk:"timeouts"`
}

func (r *CopyFileResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Copies a local file to a host over SFTP once the host accepts SSH connections. Destroying the resource leaves the file in place.",

		Attributes: addConnectionSchemaAttributes(map[string]schema.Attribute{
			"source": schema.StringAttribute{
				Description: "The local file to copy.",
				Required:    true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"destination": schema.StringAttribute{
				Description: "The path to write to on the host. Relative paths are relative to the user's home directory.",
				Required:    true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"mode": schema.StringAttribute{
				Description: "The octal permissions to apply to destination, e.g. \"0755\".",
				Optional:    true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"source_sha256": schema.StringAttribute{
				Description: "The SHA-256 of source. A change in the file's content forces a new copy.",
				Computed:    true,
			},
			"timeouts": timeouts.Attributes(ctx, timeouts.Opts{
				Create: true,
			}),
		}),
	}
}

func (r *CopyFileResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	r.store = configure(req, resp)
}

// ModifyPlan implements resource.ResourceWithModifyPlan. It records the
// digest of the source file so that edits to it replace the resource.
func (r *CopyFileResource) ModifyPlan(ctx context.Context, req resource.ModifyPlanRequest, resp *resource.ModifyPlanResponse) {
	if req.Plan.Raw.IsNull() {
		// Destroy.
		return
	}

	var source types.String
	resp.Diagnostics.Append(req.Plan.GetAttribute(ctx, path.Root("source"), &source)...)
	if resp.Diagnostics.HasError() || source.IsUnknown() || source.IsNull() {
		return
	}

	digest, err := fileSHA256(source.ValueString())
	if err != nil {
		// The source may be produced later in the apply; Create reports it if
		// it is still missing then.
		clog.FromContext(ctx).DebugContext(ctx, "source not readable at plan time", "source", source.ValueString(), "error", err)
		resp.Diagnostics.Append(resp.Plan.SetAttribute(ctx, path.Root("source_sha256"), types.StringUnknown())...)
		return
	}
	resp.Diagnostics.Append(resp.Plan.SetAttribute(ctx, path.Root("source_sha256"), digest)...)

	if req.State.Raw.IsNull() {
		return
	}
	var prior types.String
	resp.Diagnostics.Append(req.State.GetAttribute(ctx, path.Root("source_sha256"), &prior)...)
	if prior.ValueString() != digest {
		resp.RequiresReplace = append(resp.RequiresReplace, path.Root("source_sha256"))
	}
}

func (r *CopyFileResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data CopyFileResourceModel
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

	mode, err := provision.ParseMode(data.Mode.ValueString())
	if err != nil {
		resp.Diagnostics.AddAttributeError(path.Root("mode"), "invalid mode", err.Error())
		return
	}

	conn, diags := r.store.Connection(data.Host.ValueString(), data.Connection)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.Id = types.StringValue(uuid.NewString())
	name := stepName("copy_file", data.Id.ValueString())
	ctx, done := r.store.Logger(ctx, name, "host", data.Host.ValueString())
	defer done()

	digest, err := sourceDigest(data.Source.ValueString(), data.SourceSHA256)
	if err != nil {
		resp.Diagnostics.Append(errorDiagnostic("failed to copy file", &provision.TransferError{
			Source:      data.Source.ValueString(),
			Destination: data.Destination.ValueString(),
			Err:         err,
		}))
		return
	}
	data.SourceSHA256 = types.StringValue(digest)

	res, err := r.store.Provisioner().Copy(ctx, provision.CopyFile{
		Name:        name,
		Conn:        conn,
		Source:      data.Source.ValueString(),
		Destination: data.Destination.ValueString(),
		Mode:        mode,
	})
	if err != nil {
		resp.Diagnostics.Append(errorDiagnostic("failed to copy file", err))
		return
	}
	clog.FromContext(ctx).InfoContext(ctx, "copied file", "bytes", res.BytesCopied, "attempts", res.Attempts, "duration", res.Duration)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// ErrSourceChanged means the source was edited between plan and apply.
var ErrSourceChanged = fmt.Errorf("source changed since plan")

// sourceDigest hashes 'source' and, when the plan already carries a digest,
// checks that the file still matches it.
func sourceDigest(source string, planned types.String) (string, error) {
	digest, err := fileSHA256(source)
	if err != nil {
		return "", err
	}
	if planned.IsNull() || planned.IsUnknown() || planned.ValueString() == "" {
		return digest, nil
	}
	if planned.ValueString() != digest {
		return "", fmt.Errorf("%w: planned sha256 %s, got %s", ErrSourceChanged, planned.ValueString(), digest)
	}
	return digest, nil
}

func fileSHA256(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
