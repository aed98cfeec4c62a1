package provider

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/log"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provider/framework"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/types"
	gossh "golang.org/x/crypto/ssh"
)

// ProviderStore holds the provider configuration resources read from. It is
// built once in Configure and never modified afterwards, so resources may
// share it freely.
type ProviderStore struct {
	user  string
	port  uint16
	auth  provision.Auth
	retry ssh.RetryPolicy
	logs  log.StepFiles
}

func NewProviderStore() *ProviderStore {
	return &ProviderStore{
		user:  provision.DefaultUser,
		port:  provision.DefaultPort,
		retry: ssh.DefaultRetryPolicy,
	}
}

// ConnectionModel is the per-resource 'connection' override block. Unset
// attributes inherit the provider's. Setting any credential replaces the
// provider's credentials as a whole.
type ConnectionModel struct {
	User                 types.String `tfsdk:"user"`
	Port                 types.Int64  `tfsdk:"port"`
	PrivateKey           types.String `tfsdk:"private_key"`
	PrivateKeyPassphrase types.String `tfsdk:"private_key_passphrase"`
	Password             types.String `tfsdk:"password"`
	HostKey              types.String `tfsdk:"host_key"`
}

// Connection builds the provision.Connection a resource dials 'host' with.
func (s *ProviderStore) Connection(host string, override *ConnectionModel) (provision.Connection, diag.Diagnostics) {
	var diags diag.Diagnostics
	conn := provision.Connection{
		Host:  provision.Known(host),
		Port:  s.port,
		User:  s.user,
		Auth:  s.auth,
		Retry: s.retry,
	}
	if override == nil {
		return conn, diags
	}

	root := path.Root("connection")
	if user := override.User.ValueString(); user != "" {
		conn.User = user
	}
	if !override.Port.IsNull() {
		port, d := portValue(root.AtName("port"), override.Port)
		diags.Append(d...)
		conn.Port = port
	}
	key, passphrase, password := override.PrivateKey.ValueString(), override.PrivateKeyPassphrase.ValueString(), override.Password.ValueString()
	if key != "" || passphrase != "" || password != "" {
		auth, d := authValue(root.AtName("private_key"), key, passphrase, password)
		diags.Append(d...)
		conn.Auth = auth
	}
	if hk := override.HostKey.ValueString(); hk != "" {
		pub, _, _, _, err := gossh.ParseAuthorizedKey([]byte(hk))
		if err != nil {
			diags.AddAttributeError(root.AtName("host_key"), "invalid host key", err.Error())
		} else {
			conn.HostKeys = []gossh.PublicKey{pub}
		}
	}
	return conn, diags
}

// Provisioner returns a provisioner teeing command output into the step log
// files, when those are enabled.
func (s *ProviderStore) Provisioner() *provision.Provisioner {
	return provision.New(provision.WithOutput(s.logs.Open))
}

// Logger initializes the context logger for resource 'name', teeing it into
// the resource's log file when file logging is enabled. The returned func
// must be called when the resource operation ends.
func (s *ProviderStore) Logger(ctx context.Context, name string, withs ...any) (context.Context, func()) {
	ctx = clog.WithValues(ctx, append([]any{"resource", name}, withs...)...)
	return s.logs.Attach(ctx, name)
}

// stepName names the log file and log records of a resource run.
func stepName(typeName, id string) string {
	return fmt.Sprintf("%s.%s", typeName, id)
}

// errorDiagnostic reports a provisioner failure, with its kind in the
// summary.
func errorDiagnostic(summary string, err error) diag.Diagnostic {
	return framework.ErrorDiagnostic(provision.Kind(err), summary, err)
}

// configure is the shared resource.Configure body.
func configure(req resource.ConfigureRequest, resp *resource.ConfigureResponse) *ProviderStore {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return nil
	}

	store, ok := req.ProviderData.(*ProviderStore)
	if !ok {
		resp.Diagnostics.AddError("invalid provider data", fmt.Sprintf("expected *ProviderStore, got %T", req.ProviderData))
		return nil
	}
	return store
}
