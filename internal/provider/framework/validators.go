package framework

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
)

// OneOf validates that a string attribute, when known, is one of 'values'.
func OneOf(values ...string) validator.String {
	return oneOf(values)
}

type oneOf []string

func (v oneOf) Description(_ context.Context) string {
	return fmt.Sprintf("value must be one of: %s", strings.Join(v, ", "))
}

func (v oneOf) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v oneOf) ValidateString(ctx context.Context, req validator.StringRequest, resp *validator.StringResponse) {
	if req.ConfigValue.IsNull() || req.ConfigValue.IsUnknown() {
		return
	}
	if got := req.ConfigValue.ValueString(); !slices.Contains(v, got) {
		resp.Diagnostics.AddAttributeError(req.Path, "invalid value", fmt.Sprintf("%s, got %q", v.Description(ctx), got))
	}
}
