package provider

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/log"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provider/framework"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

// Environment variables consulted when the matching provider attribute is
// unset.
const (
	EnvPrivateKey           = "PROVISIONER_PRIVATE_KEY"
	EnvPrivateKeyPassphrase = "PROVISIONER_PRIVATE_KEY_PASSPHRASE"
	EnvPassword             = "PROVISIONER_PASSWORD"
)

var _ provider.Provider = &ProvisionerProvider{}

// ProvisionerProvider defines the provider implementation.
type ProvisionerProvider struct {
	// version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	version string
}

// ProvisionerProviderModel describes the provider data model. Its connection
// settings are the defaults every resource starts from.
type ProvisionerProviderModel struct {
	PrivateKey           types.String         `tfsdk:"private_key"`
	PrivateKeyPassphrase types.String         `tfsdk:"private_key_passphrase"`
	Password             types.String         `tfsdk:"password"`
	User                 types.String         `tfsdk:"user"`
	Port                 types.Int64          `tfsdk:"port"`
	Retry                *ProviderRetryModel  `tfsdk:"retry"`
	Log                  *ProviderLoggerModel `tfsdk:"log"`
}

type ProviderRetryModel struct {
	Attempts types.Int64   `tfsdk:"attempts"`
	Delay    types.String  `tfsdk:"delay"`
	Factor   types.Float64 `tfsdk:"factor"`
}

type ProviderLoggerModel struct {
	File *ProviderLoggerFileModel `tfsdk:"file"`
}

type ProviderLoggerFileModel struct {
	Directory types.String `tfsdk:"directory"`
}

func (p *ProvisionerProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "provisioner"
	resp.Version = p.version
}

func (p *ProvisionerProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Copies files to, and runs commands on, hosts reachable over SSH.",
		Attributes: map[string]schema.Attribute{
			"private_key": schema.StringAttribute{
				Description: fmt.Sprintf("The default private key, as PEM text or base64 encoded PEM text. Falls back to $%s.", EnvPrivateKey),
				Optional:    true,
				Sensitive:   true,
			},
			"private_key_passphrase": schema.StringAttribute{
				Description: fmt.Sprintf("The passphrase of an encrypted private_key. Falls back to $%s.", EnvPrivateKeyPassphrase),
				Optional:    true,
				Sensitive:   true,
			},
			"password": schema.StringAttribute{
				Description: fmt.Sprintf("The default password. Mutually exclusive with private_key. Falls back to $%s.", EnvPassword),
				Optional:    true,
				Sensitive:   true,
			},
			"user": schema.StringAttribute{
				Description: fmt.Sprintf("The default user to log in as. Defaults to %q.", provision.DefaultUser),
				Optional:    true,
			},
			"port": schema.Int64Attribute{
				Description: fmt.Sprintf("The default SSH port. Defaults to %d.", provision.DefaultPort),
				Optional:    true,
			},
			"retry": schema.SingleNestedAttribute{
				Description: "How long to keep trying a host that is not reachable yet.",
				Optional:    true,
				Attributes: map[string]schema.Attribute{
					"attempts": schema.Int64Attribute{
						Description: fmt.Sprintf("The maximum number of connection attempts. Defaults to %d.", ssh.DefaultRetryPolicy.Attempts),
						Optional:    true,
					},
					"delay": schema.StringAttribute{
						Description: fmt.Sprintf("The delay before the first retry, as a duration. Defaults to %q.", ssh.DefaultRetryPolicy.Delay),
						Optional:    true,
					},
					"factor": schema.Float64Attribute{
						Description: fmt.Sprintf("The factor the delay grows by after each retry. Defaults to %v.", ssh.DefaultRetryPolicy.Factor),
						Optional:    true,
					},
				},
			},
			"log": schema.SingleNestedAttribute{
				Optional: true,
				Attributes: map[string]schema.Attribute{
					"file": schema.SingleNestedAttribute{
						Description: "Write a log file per resource, including the output of remote commands.",
						Optional:    true,
						Attributes: map[string]schema.Attribute{
							"directory": schema.StringAttribute{
								Description: "The directory to write the log files to.",
								Required:    true,
							},
						},
					},
				},
			},
		},
	}
}

func (p *ProvisionerProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var data ProvisionerProviderModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	store, diags := configureStore(data)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.DataSourceData = store
	resp.ResourceData = store
}

// configureStore resolves the provider configuration, and its environment
// fallbacks, into a ProviderStore. Key material is normalized and parsed
// once, here.
func configureStore(data ProvisionerProviderModel) (*ProviderStore, diag.Diagnostics) {
	var diags diag.Diagnostics
	store := NewProviderStore()

	if user := data.User.ValueString(); user != "" {
		store.user = user
	}
	if !data.Port.IsNull() {
		port, d := portValue(path.Root("port"), data.Port)
		diags.Append(d...)
		store.port = port
	}

	auth, d := authValue(
		path.Root("private_key"),
		valueOrEnv(data.PrivateKey, EnvPrivateKey),
		valueOrEnv(data.PrivateKeyPassphrase, EnvPrivateKeyPassphrase),
		valueOrEnv(data.Password, EnvPassword),
	)
	diags.Append(d...)
	store.auth = auth

	if data.Retry != nil {
		retry, d := retryValue(path.Root("retry"), *data.Retry)
		diags.Append(d...)
		store.retry = retry
	}

	if data.Log != nil && data.Log.File != nil {
		store.logs = log.StepFiles{Directory: data.Log.File.Directory.ValueString()}
	}

	return store, diags
}

// valueOrEnv returns 'v' when it is set, the environment variable 'env'
// otherwise.
func valueOrEnv(v types.String, env string) string {
	if !v.IsNull() && !v.IsUnknown() {
		return v.ValueString()
	}
	return os.Getenv(env)
}

func portValue(p path.Path, v types.Int64) (uint16, diag.Diagnostics) {
	var diags diag.Diagnostics
	port := v.ValueInt64()
	if port < 1 || port > 65535 {
		diags.AddAttributeError(p, "invalid port", fmt.Sprintf("port must be between 1 and 65535, got %d", port))
		return 0, diags
	}
	return uint16(port), diags
}

// authValue builds provision.Auth, surfacing bad key material as a
// diagnostic on 'keyPath' rather than at the first connection.
func authValue(keyPath path.Path, key, passphrase, password string) (provision.Auth, diag.Diagnostics) {
	var diags diag.Diagnostics
	auth := provision.Auth{Password: password}
	if key != "" {
		auth = provision.NewKeyAuth(key, passphrase)
		auth.Password = password
		if _, err := ssh.ParseKey(auth.PrivateKey, auth.Passphrase); err != nil {
			diags.Append(framework.AttributeErrorDiagnostic(keyPath, "ConfigError", "invalid private key", err))
		}
	} else if passphrase != "" {
		auth.Passphrase = []byte(passphrase)
	}
	return auth, diags
}

func retryValue(p path.Path, m ProviderRetryModel) (ssh.RetryPolicy, diag.Diagnostics) {
	var diags diag.Diagnostics
	retry := ssh.DefaultRetryPolicy
	if !m.Attempts.IsNull() {
		if n := m.Attempts.ValueInt64(); n < 1 {
			diags.AddAttributeError(p.AtName("attempts"), "invalid retry attempts", fmt.Sprintf("attempts must be at least 1, got %d", n))
		} else {
			retry.Attempts = int(n)
		}
	}
	if !m.Delay.IsNull() {
		d, err := time.ParseDuration(m.Delay.ValueString())
		if err != nil || d <= 0 {
			diags.AddAttributeError(p.AtName("delay"), "invalid retry delay", fmt.Sprintf("delay must be a positive duration, got %q", m.Delay.ValueString()))
		} else {
			retry.Delay = d
		}
	}
	if !m.Factor.IsNull() {
		if f := m.Factor.ValueFloat64(); f < 1 {
			diags.AddAttributeError(p.AtName("factor"), "invalid retry factor", fmt.Sprintf("factor must be at least 1, got %v", f))
		} else {
			retry.Factor = f
		}
	}
	return retry, diags
}

func (p *ProvisionerProvider) Resources(_ context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewCopyFileResource,
		NewRemoteExecResource,
	}
}

func (p *ProvisionerProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return nil
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &ProvisionerProvider{
			version: version,
		}
	}
}
