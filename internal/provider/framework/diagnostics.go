package framework

import (
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
)

// JoinDiagnostics merges multiple sets of diag.Diagnostics.
func JoinDiagnostics(dd ...diag.Diagnostics) diag.Diagnostics {
	if len(dd) == 0 {
		return diag.Diagnostics{}
	}

	r := dd[0]
	dd = dd[1:]
	for _, d := range dd {
		r.Append(d...)
	}
	return r
}

// ErrorDiagnostic turns 'err' into an error diagnostic. A non-empty 'kind'
// prefixes the summary so failures can be told apart at a glance.
func ErrorDiagnostic(kind, summary string, err error) diag.Diagnostic {
	if kind != "" {
		summary = kind + ": " + summary
	}
	return diag.NewErrorDiagnostic(summary, err.Error())
}

// AttributeErrorDiagnostic is ErrorDiagnostic pinned to the attribute at 'p'.
func AttributeErrorDiagnostic(p path.Path, kind, summary string, err error) diag.Diagnostic {
	if kind != "" {
		summary = kind + ": " + summary
	}
	return diag.NewAttributeErrorDiagnostic(p, summary, err.Error())
}
