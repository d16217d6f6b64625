package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the governance domain.
var (
	AttrTenantID = attribute.Key("warden.tenant.id")

	// Policy evaluation
	AttrPolicyRuleID   = attribute.Key("warden.policy.rule_id")
	AttrPolicyEffect   = attribute.Key("warden.policy.effect")
	AttrPolicyRiskTier = attribute.Key("warden.policy.risk_tier")

	// Audit log
	AttrAuditSequence = attribute.Key("warden.audit.sequence")
	AttrAuditCategory = attribute.Key("warden.audit.category")
	AttrAuditHighRisk = attribute.Key("warden.audit.high_risk")

	// Violations
	AttrViolationType     = attribute.Key("warden.violation.type")
	AttrViolationSeverity = attribute.Key("warden.violation.severity")

	// Reports
	AttrReportFramework = attribute.Key("warden.report.framework")
	AttrReportStatus    = attribute.Key("warden.report.status")
)

// PolicyEvaluation builds attributes for one policy decision.
func PolicyEvaluation(tenantID, ruleID, effect, riskTier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrPolicyRuleID.String(ruleID),
		AttrPolicyEffect.String(effect),
		AttrPolicyRiskTier.String(riskTier),
	}
}

// AuditAppend builds attributes for one audit append.
func AuditAppend(tenantID, category string, sequence uint64, highRisk bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAuditCategory.String(category),
		AttrAuditSequence.Int64(int64(sequence)),
		AttrAuditHighRisk.Bool(highRisk),
	}
}

// ViolationDetected builds attributes for one detected violation.
func ViolationDetected(tenantID, vType, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrViolationType.String(vType),
		AttrViolationSeverity.String(severity),
	}
}

// ReportGenerated builds attributes for one generated report.
func ReportGenerated(tenantID, framework, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrReportFramework.String(framework),
		AttrReportStatus.String(status),
	}
}

// SpanFromContext returns the current span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span ok or errored.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
