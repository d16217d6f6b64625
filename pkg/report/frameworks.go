package report

import "fmt"

// TemplateControl is one control in a framework's catalogue.
type TemplateControl struct {
	ControlID   string   `json:"controlId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    Priority `json:"priority"`
	// Required controls that collect no evidence are reported notEvaluated
	// instead of notApplicable.
	Required bool     `json:"required"`
	Keywords []string `json:"keywords,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Template declares a framework's control catalogue and presentation.
type Template struct {
	Framework     Framework         `json:"framework"`
	TitleTemplate string            `json:"titleTemplate"` // %s = organization name
	ScopeTemplate string            `json:"scopeTemplate"`
	Controls      []TemplateControl `json:"controls"`
}

// Title renders the report title for an organization.
func (t *Template) Title(org string) string {
	return fmt.Sprintf(t.TitleTemplate, org)
}

var builtinTemplates = map[FrameworkID]*Template{
	FrameworkSOC2Type1: {
		Framework: Framework{
			ID: FrameworkSOC2Type1, Name: "SOC 2 Type I", Version: "2017",
			Description: "Trust Services Criteria, design of controls at a point in time",
		},
		TitleTemplate: "%s SOC 2 Type I Report",
		ScopeTemplate: "Automated source-control governance for AI agent actions",
		Controls: []TemplateControl{
			{ControlID: "CC6.1", Title: "Logical access controls", Description: "Access to source-control resources is restricted to authorised actors.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "CC6.3", Title: "Role-based authorisation", Description: "Actor roles are considered before high-risk actions are permitted.", Category: "access_control", Priority: PriorityHigh, Required: true},
			{ControlID: "CC7.2", Title: "Anomaly monitoring", Description: "Anomalous or non-compliant agent behaviour is detected and responded to.", Category: "incident_response", Priority: PriorityCritical, Required: true},
			{ControlID: "CC8.1", Title: "Change management", Description: "Changes to production repositories follow an authorised, audited process.", Category: "change_management", Priority: PriorityCritical, Required: true},
		},
	},
	FrameworkSOC2Type2: {
		Framework: Framework{
			ID: FrameworkSOC2Type2, Name: "SOC 2 Type II", Version: "2017",
			Description: "Trust Services Criteria, operating effectiveness over a period",
		},
		TitleTemplate: "%s SOC 2 Type II Report",
		ScopeTemplate: "Automated source-control governance for AI agent actions over the audit period",
		Controls: []TemplateControl{
			{ControlID: "CC6.1", Title: "Logical access controls", Description: "Access to source-control resources is restricted to authorised actors.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "CC6.3", Title: "Role-based authorisation", Description: "Actor roles are considered before high-risk actions are permitted.", Category: "access_control", Priority: PriorityHigh, Required: true},
			{ControlID: "CC7.1", Title: "Configuration monitoring", Description: "Policy configuration changes are validated and recorded.", Category: "monitoring", Priority: PriorityHigh, Required: true},
			{ControlID: "CC7.2", Title: "Anomaly monitoring", Description: "Anomalous or non-compliant agent behaviour is detected and responded to.", Category: "incident_response", Priority: PriorityCritical, Required: true},
			{ControlID: "CC7.3", Title: "Incident evaluation", Description: "Detected violations are triaged, escalated and resolved.", Category: "incident_response", Priority: PriorityHigh, Required: true},
			{ControlID: "CC8.1", Title: "Change management", Description: "Changes to production repositories follow an authorised, audited process.", Category: "change_management", Priority: PriorityCritical, Required: true},
		},
	},
	FrameworkISO27001: {
		Framework: Framework{
			ID: FrameworkISO27001, Name: "ISO/IEC 27001", Version: "2022",
			Description: "Information security management system controls",
		},
		TitleTemplate: "%s ISO/IEC 27001 Compliance Report",
		ScopeTemplate: "Source-control and deployment activity of automated agents",
		Controls: []TemplateControl{
			{ControlID: "A.5.15", Title: "Access control", Description: "Rules to control access to information and associated assets are established.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "A.8.9", Title: "Configuration management", Description: "Configurations, including security configurations, are managed through their lifecycle.", Category: "change_management", Priority: PriorityHigh, Required: true},
			{ControlID: "A.8.16", Title: "Monitoring activities", Description: "Networks, systems and applications are monitored for anomalous behaviour.", Category: "monitoring", Priority: PriorityHigh, Required: true},
			{ControlID: "A.5.24", Title: "Incident management planning", Description: "Security incidents are planned for, detected and handled.", Category: "incident_response", Priority: PriorityCritical, Required: true},
			{ControlID: "A.8.32", Title: "Change management", Description: "Changes to information processing facilities are subject to change management.", Category: "change_management", Priority: PriorityCritical, Required: true},
		},
	},
	FrameworkHIPAA: {
		Framework: Framework{
			ID: FrameworkHIPAA, Name: "HIPAA Security Rule", Version: "2013",
			Description: "Administrative and technical safeguards for electronic protected health information",
		},
		TitleTemplate: "%s HIPAA Security Compliance Report",
		ScopeTemplate: "Agent access to repositories processing electronic protected health information",
		Controls: []TemplateControl{
			{ControlID: "164.312(a)(1)", Title: "Access control", Description: "Technical policies limit access to systems holding ePHI.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "164.312(b)", Title: "Audit controls", Description: "Hardware, software and procedural mechanisms record and examine activity.", Category: "monitoring", Priority: PriorityCritical, Required: true},
			{ControlID: "164.308(a)(6)", Title: "Security incident procedures", Description: "Security incidents are identified, responded to and documented.", Category: "incident_response", Priority: PriorityHigh, Required: true},
		},
	},
	FrameworkGDPR: {
		Framework: Framework{
			ID: FrameworkGDPR, Name: "GDPR", Version: "2018",
			Description: "Technical and organisational measures under Article 32",
		},
		TitleTemplate: "%s GDPR Article 32 Compliance Report",
		ScopeTemplate: "Automated processing activity touching personal data repositories",
		Controls: []TemplateControl{
			{ControlID: "Art.32(1)(b)", Title: "Confidentiality and integrity", Description: "Ongoing confidentiality and integrity of processing systems is ensured.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "Art.32(1)(d)", Title: "Testing and evaluation", Description: "Effectiveness of technical measures is regularly tested and evaluated.", Category: "monitoring", Priority: PriorityHigh, Required: true},
			{ControlID: "Art.33", Title: "Breach notification", Description: "Personal data breaches are detected and reported without undue delay.", Category: "incident_response", Priority: PriorityCritical, Required: true},
		},
	},
	FrameworkPCIDSS: {
		Framework: Framework{
			ID: FrameworkPCIDSS, Name: "PCI DSS", Version: "4.0",
			Description: "Payment card industry data security standard",
		},
		TitleTemplate: "%s PCI DSS Compliance Report",
		ScopeTemplate: "Agent activity in the cardholder data environment",
		Controls: []TemplateControl{
			{ControlID: "7.2", Title: "Access assignment", Description: "Access to system components and data is appropriately defined and assigned.", Category: "access_control", Priority: PriorityCritical, Required: true},
			{ControlID: "10.2", Title: "Audit logging", Description: "Audit logs capture all access to system components and cardholder data.", Category: "monitoring", Priority: PriorityCritical, Required: true},
			{ControlID: "6.5.1", Title: "Change control", Description: "Changes to production code follow documented change-control procedures.", Category: "change_management", Priority: PriorityHigh, Required: true},
			{ControlID: "12.10.5", Title: "Incident response", Description: "Security alerts are monitored and responded to per the incident response plan.", Category: "incident_response", Priority: PriorityHigh, Required: true},
		},
	},
}

// TemplateFor resolves a framework template. Custom frameworks must supply
// their own template.
func TemplateFor(id FrameworkID, custom *Template) (*Template, error) {
	if id == FrameworkCustom {
		if custom == nil {
			return nil, ErrCustomFrameworkRequired
		}
		return custom, nil
	}
	tmpl, ok := builtinTemplates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFramework, id)
	}
	return tmpl, nil
}
