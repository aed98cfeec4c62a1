package provider

import (
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/mapplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/objectplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
)

// addConnectionSchemaAttributes adds the attributes shared by every resource
// reaching a host: the host itself, the connection override block and the
// triggers. All of them force a new run when changed.
func addConnectionSchemaAttributes(attrs map[string]schema.Attribute) map[string]schema.Attribute {
	attrs["id"] = schema.StringAttribute{
		Description: "A random identifier of this run.",
		Computed:    true,
		PlanModifiers: []planmodifier.String{
			stringplanmodifier.UseStateForUnknown(),
		},
	}
	attrs["host"] = schema.StringAttribute{
		Description: "The address of the host, usually an attribute of the resource creating it.",
		Required:    true,
		PlanModifiers: []planmodifier.String{
			stringplanmodifier.RequiresReplace(),
		},
	}
	attrs["connection"] = schema.SingleNestedAttribute{
		Description: "Overrides the provider's connection settings for this resource. Setting any credential replaces the provider's credentials.",
		Optional:    true,
		PlanModifiers: []planmodifier.Object{
			objectplanmodifier.RequiresReplace(),
		},
		Attributes: map[string]schema.Attribute{
			"user": schema.StringAttribute{
				Description: "The user to log in as.",
				Optional:    true,
			},
			"port": schema.Int64Attribute{
				Description: "The SSH port.",
				Optional:    true,
			},
			"private_key": schema.StringAttribute{
				Description: "The private key, as PEM text or base64 encoded PEM text.",
				Optional:    true,
				Sensitive:   true,
			},
			"private_key_passphrase": schema.StringAttribute{
				Description: "The passphrase of an encrypted private_key.",
				Optional:    true,
				Sensitive:   true,
			},
			"password": schema.StringAttribute{
				Description: "The password. Mutually exclusive with private_key.",
				Optional:    true,
				Sensitive:   true,
			},
			"host_key": schema.StringAttribute{
				Description: "Pins the host key, in authorized_keys format. Any host key is accepted when unset.",
				Optional:    true,
			},
		},
	}
	attrs["triggers"] = schema.MapAttribute{
		Description: "Arbitrary values that force a new run when changed.",
		Optional:    true,
		ElementType: basetypes.StringType{},
		PlanModifiers: []planmodifier.Map{
			mapplanmodifier.RequiresReplace(),
		},
	}
	return attrs
}
