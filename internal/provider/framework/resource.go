package framework

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework/resource"
)

// WithTypeName can be embedded into [resource.Resource] implementations to
// automatically wire up the resource's name as the resource name appended to
// the provider name.
type WithTypeName string

func (w WithTypeName) Metadata(
	_ context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse,
) {
	resp.TypeName = req.ProviderTypeName + "_" + string(w)
}

// WithNoOpDelete can be embedded into resources whose remote side effects are
// not reverted on destroy. Removing them from state is all there is to do.
type WithNoOpDelete struct{}

func (WithNoOpDelete) Delete(_ context.Context, _ resource.DeleteRequest, _ *resource.DeleteResponse) {
}

// WithNoOpRead can be embedded into resources with nothing to refresh: the
// state recorded at create time stays authoritative.
type WithNoOpRead struct{}

func (WithNoOpRead) Read(_ context.Context, _ resource.ReadRequest, _ *resource.ReadResponse) {
}

// WithPlanAsState can be embedded into resources whose in-place updates only
// touch attributes with no remote effect. The planned values are accepted
// as the new state.
type WithPlanAsState struct{}

func (WithPlanAsState) Update(_ context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	resp.State.Raw = req.Plan.Raw
}
